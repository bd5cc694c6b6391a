package platform

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

var ErrInvalidCategorySearch = errors.New("invalid label category search")

var comparisonRe = regexp.MustCompile(`^[A-Za-z0-9_-]+\.[A-Za-z0-9_-]+\.count\s*(==|>=|<=|>|<)\s*[0-9]+$`)

// ValidateCategorySearch checks a label category search expression such as
//
//	(JOB_0.OBJECT_A.count > 0 OR JOB_0.OBJECT_B.count >= 2) AND CLASSIF.YES.count == 1
func ValidateCategorySearch(expr string) error {
	tokens, err := tokenizeSearch(expr)
	if err != nil {
		return err
	}
	if len(tokens) == 0 {
		return fmt.Errorf("%w: empty expression", ErrInvalidCategorySearch)
	}
	p := &searchParser{tokens: tokens}
	if err := p.expr(); err != nil {
		return err
	}
	if p.pos != len(p.tokens) {
		return fmt.Errorf("%w: unexpected %q", ErrInvalidCategorySearch, p.tokens[p.pos])
	}
	return nil
}

// tokenizeSearch splits on parentheses and the AND/OR keywords; whatever is
// between them must be a single comparison.
func tokenizeSearch(expr string) ([]string, error) {
	var tokens []string
	var cur strings.Builder
	flush := func() error {
		s := strings.TrimSpace(cur.String())
		cur.Reset()
		if s == "" {
			return nil
		}
		words := strings.Fields(s)
		start := 0
		for i, w := range words {
			if w == "AND" || w == "OR" {
				if err := pushComparison(&tokens, words[start:i]); err != nil {
					return err
				}
				tokens = append(tokens, w)
				start = i + 1
			}
		}
		return pushComparison(&tokens, words[start:])
	}

	for _, r := range expr {
		if r == '(' || r == ')' {
			if err := flush(); err != nil {
				return nil, err
			}
			tokens = append(tokens, string(r))
			continue
		}
		cur.WriteRune(r)
	}
	if err := flush(); err != nil {
		return nil, err
	}
	return tokens, nil
}

func pushComparison(tokens *[]string, words []string) error {
	if len(words) == 0 {
		return nil
	}
	cmp := strings.Join(words, " ")
	if !comparisonRe.MatchString(cmp) {
		return fmt.Errorf("%w: %q is not of the form JOB.CATEGORY.count OP N", ErrInvalidCategorySearch, cmp)
	}
	*tokens = append(*tokens, cmp)
	return nil
}

type searchParser struct {
	tokens []string
	pos    int
}

func (p *searchParser) peek() string {
	if p.pos < len(p.tokens) {
		return p.tokens[p.pos]
	}
	return ""
}

func (p *searchParser) expr() error {
	if err := p.term(); err != nil {
		return err
	}
	for p.peek() == "AND" || p.peek() == "OR" {
		p.pos++
		if err := p.term(); err != nil {
			return err
		}
	}
	return nil
}

func (p *searchParser) term() error {
	tok := p.peek()
	switch tok {
	case "":
		return fmt.Errorf("%w: unexpected end of expression", ErrInvalidCategorySearch)
	case "(":
		p.pos++
		if err := p.expr(); err != nil {
			return err
		}
		if p.peek() != ")" {
			return fmt.Errorf("%w: unbalanced parentheses", ErrInvalidCategorySearch)
		}
		p.pos++
		return nil
	case ")", "AND", "OR":
		return fmt.Errorf("%w: unexpected %q", ErrInvalidCategorySearch, tok)
	}
	p.pos++
	return nil
}
