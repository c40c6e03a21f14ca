package pipeline

import (
	"fmt"
	"io"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/logrusorgru/aurora"
	"github.com/olekukonko/tablewriter"
)

const maxListedFailures = 20

// Failure is a skipped image and its error
type Failure struct {
	Job Job
	Err error
}

// Summary aggregates a run
type Summary struct {
	Total     int
	Prepared  int
	Processed int
	Published int
	Skipped   int
	Failed    int
	Keypoints int64
	Failures  []Failure
	Elapsed   time.Duration
}

// Throughput is processed images per second
func (s *Summary) Throughput() float64 {
	if s.Elapsed <= 0 {
		return 0
	}
	return float64(s.Processed) / s.Elapsed.Seconds()
}

// Render writes the summary table and the first failures to w
func (s *Summary) Render(w io.Writer, colors bool) {
	au := aurora.NewAurora(colors)

	tw := tablewriter.NewWriter(w)
	tw.SetHeader([]string{"Images", "Prepared", "Processed", "Published", "Skipped", "Failed", "Keypoints", "Elapsed", "Images/s"})
	failed := fmt.Sprint(au.Green(s.Failed))
	if s.Failed > 0 {
		failed = fmt.Sprint(au.BrightRed(s.Failed))
	}
	tw.Append([]string{
		humanize.Comma(int64(s.Total)),
		humanize.Comma(int64(s.Prepared)),
		fmt.Sprint(au.BrightGreen(humanize.Comma(int64(s.Processed)))),
		humanize.Comma(int64(s.Published)),
		humanize.Comma(int64(s.Skipped)),
		failed,
		humanize.SIWithDigits(float64(s.Keypoints), 2, ""),
		s.Elapsed.Round(time.Millisecond).String(),
		fmt.Sprintf("%.2f", s.Throughput()),
	})
	tw.Render()

	if len(s.Failures) == 0 {
		return
	}
	ft := tablewriter.NewWriter(w)
	ft.SetHeader([]string{"Image", "Error"})
	ft.SetAutoWrapText(false)
	for i, f := range s.Failures {
		if i == maxListedFailures {
			ft.Append([]string{fmt.Sprintf("... %d more", len(s.Failures)-i), ""})
			break
		}
		ft.Append([]string{f.Job.Image, f.Err.Error()})
	}
	ft.Render()
}
