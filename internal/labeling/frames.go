package labeling

import (
	"fmt"
	"strconv"
)

// Frame is one exported image: the asset itself, or one frame of a video.
type Frame struct {
	Index int // 0-based; always 0 for non-video assets
	Total int
	Name  string
	URL   string
	Video bool
	Jobs  JobResponses
}

// Frames expands an asset and its label into the frames to export.
//
// A non-video asset yields one frame named after its external id. A video
// yields one frame per frame URL, or per labeled frame index when the
// video is a single file, named "<externalId>_<n>" with n starting at 1
// and zero-padded to the digit count of the frame total.
func Frames(asset Asset, label *Label, video bool) ([]Frame, error) {
	if !video {
		jobs := JobResponses{}
		if label != nil {
			var err error
			if jobs, err = label.Jobs(); err != nil {
				return nil, err
			}
		}
		return []Frame{{Total: 1, Name: asset.ExternalID, URL: asset.Content, Jobs: jobs}}, nil
	}

	labeled := map[int]JobResponses{}
	if label != nil {
		var err error
		if labeled, err = label.Frames(); err != nil {
			return nil, err
		}
	}

	urls := asset.FrameURLs()
	total := len(urls)
	if total == 0 {
		for idx := range labeled {
			if idx+1 > total {
				total = idx + 1
			}
		}
	}
	if total == 0 {
		return nil, nil
	}

	width := len(strconv.Itoa(total))
	frames := make([]Frame, 0, total)
	for i := 0; i < total; i++ {
		url := asset.Content
		if i < len(urls) {
			url = urls[i]
		}
		jobs := labeled[i]
		if jobs == nil {
			jobs = JobResponses{}
		}
		frames = append(frames, Frame{
			Index: i,
			Total: total,
			Name:  fmt.Sprintf("%s_%0*d", asset.ExternalID, width, i+1),
			URL:   url,
			Video: true,
			Jobs:  jobs,
		})
	}
	return frames, nil
}
