package main

import (
	"fmt"
	"strconv"

	"github.com/agentuity/go-imaging/lut"
	"github.com/agentuity/go-imaging/tui"
	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"
)

func newLUTCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "lut",
		Short: "Print the display table for a stored pixel range",
		Example: "  imaging lut --min -1024 --max 3071 --width 400 --center 40 --step 256\n" +
			"  imaging lut --min 0 --max 255 --width 256 --center 128 --invert",
		Args: cobra.NoArgs,
		RunE: runLUT,
	}
	flags := cmd.Flags()
	flags.Int("min", 0, "minimum stored pixel value")
	flags.Int("max", 255, "maximum stored pixel value")
	flags.Float64("slope", 1, "modality rescale slope")
	flags.Float64("intercept", 0, "modality rescale intercept")
	flags.Float64("width", 256, "window width")
	flags.Float64("center", 128, "window center")
	flags.Bool("invert", false, "invert the display values")
	flags.Int("step", 1, "print every n-th stored value")
	flags.Bool("swatch", false, "render a gray swatch next to each value")
	return cmd
}

func runLUT(cmd *cobra.Command, args []string) error {
	flags := cmd.Flags()
	minValue, _ := flags.GetInt("min")
	maxValue, _ := flags.GetInt("max")
	slope, _ := flags.GetFloat64("slope")
	intercept, _ := flags.GetFloat64("intercept")
	width, _ := flags.GetFloat64("width")
	center, _ := flags.GetFloat64("center")
	invert, _ := flags.GetBool("invert")
	step, _ := flags.GetInt("step")
	swatch, _ := flags.GetBool("swatch")
	if step < 1 {
		return errors.Newf("step must be at least 1, got %d", step)
	}

	img := &lut.Image{
		MinPixelValue: minValue,
		MaxPixelValue: maxValue,
		Slope:         slope,
		Intercept:     intercept,
		WindowWidth:   width,
		WindowCenter:  center,
		Invert:        invert,
	}
	vp, err := lut.DefaultViewport(img)
	if err != nil {
		return err
	}
	table, err := lut.GenerateForViewport(img, vp)
	if err != nil {
		return err
	}

	headers := []string{"stored", "modality", "display"}
	if swatch {
		headers = append(headers, "")
	}
	rows := make([][]string, 0, (maxValue-minValue)/step+2)
	appendRow := func(stored int) {
		display := table.Lookup(stored)
		row := []string{
			strconv.Itoa(stored),
			strconv.FormatFloat(float64(stored)*slope+intercept, 'f', -1, 64),
			strconv.Itoa(int(display)),
		}
		if swatch {
			row = append(row, tui.Gray(display))
		}
		rows = append(rows, row)
	}
	for stored := minValue; stored <= maxValue; stored += step {
		appendRow(stored)
	}
	if (maxValue-minValue)%step != 0 {
		appendRow(maxValue)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintln(out, tui.Title(fmt.Sprintf("%d entries, offset %d", len(table.Values), table.Offset)))
	tui.Table(out, headers, rows)
	return nil
}
