package labeling

// CategorySeparator joins a job name and a category key into a full category name.
const CategorySeparator = "__"

// FullCategoryName returns "<JOB>__<CATEGORY>".
func FullCategoryName(job, category string) string {
	return job + CategorySeparator + category
}

// ClassEntry is one category with its export id.
type ClassEntry struct {
	ID       int
	Job      string
	Category string
	Label    string
}

func (c ClassEntry) FullName() string {
	return FullCategoryName(c.Job, c.Category)
}

// CategoryIndex assigns ids 0..n-1 to every category of a set of jobs,
// in job order then category order. The mapping is injective.
type CategoryIndex struct {
	entries []ClassEntry
	ids     map[string]int
}

func NewCategoryIndex(jobs []Job) *CategoryIndex {
	ix := &CategoryIndex{ids: make(map[string]int)}
	for _, job := range jobs {
		for _, cat := range job.Categories {
			full := FullCategoryName(job.Name, cat.Key)
			if _, dup := ix.ids[full]; dup {
				continue
			}
			id := len(ix.entries)
			ix.ids[full] = id
			ix.entries = append(ix.entries, ClassEntry{ID: id, Job: job.Name, Category: cat.Key, Label: cat.Name})
		}
	}
	return ix
}

// Lookup returns the id of a category of a job.
func (ix *CategoryIndex) Lookup(job, category string) (int, bool) {
	id, ok := ix.ids[FullCategoryName(job, category)]
	return id, ok
}

// Entries returns the categories ordered by id.
func (ix *CategoryIndex) Entries() []ClassEntry {
	out := make([]ClassEntry, len(ix.entries))
	copy(out, ix.entries)
	return out
}

func (ix *CategoryIndex) Len() int {
	return len(ix.entries)
}
