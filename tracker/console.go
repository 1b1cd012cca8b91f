package tracker

import (
	"fmt"
	"io"
	"sort"

	"github.com/olekukonko/tablewriter"
)

// Console renders tracker output as tables on a writer.
type Console struct {
	w io.Writer
}

func NewConsole(w io.Writer) *Console {
	return &Console{w: w}
}

func (c *Console) LogImages(step int, images []Image) error {
	if len(images) == 0 {
		return nil
	}

	table := tablewriter.NewWriter(c.w)
	table.SetHeader([]string{"Step", "Shortname", "Artifact"})
	for _, img := range images {
		table.Append([]string{fmt.Sprint(step), img.Shortname, img.Path})
	}
	table.Render()
	return nil
}

func (c *Console) LogScalars(step int, scalars map[string]float64) error {
	if len(scalars) == 0 {
		return nil
	}

	keys := make([]string, 0, len(scalars))
	for k := range scalars {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	table := tablewriter.NewWriter(c.w)
	table.SetHeader([]string{"Step", "Metric", "Value"})
	for _, k := range keys {
		table.Append([]string{fmt.Sprint(step), k, fmt.Sprintf("%.5f", scalars[k])})
	}
	table.Render()
	return nil
}
