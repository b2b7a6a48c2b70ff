package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	symbols "github.com/k2io/detour/internal/objSymbols"
	"github.com/k2io/detour/internal/prologue"
)

var inspectMatch string

// inspectCmd represents the inspect command
var inspectCmd = &cobra.Command{
	Use:   "inspect <binary> [symbol...]",
	Short: "Report how functions of a binary can be hooked",
	Long: `Decode the entry of each named function (or every function matching --match)
and report whether a detour can be installed on it, and where.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runInspect,
}

func init() {
	rootCmd.AddCommand(inspectCmd)
	inspectCmd.Flags().StringVar(&inspectMatch, "match", "", "inspect every function matching this regular expression")
}

type inspection struct {
	Symbol   string `json:"symbol"`
	Address  string `json:"address"`
	Size     uint64 `json:"size"`
	Kind     string `json:"kind"`
	Hookable bool   `json:"hookable"`
	Detail   string `json:"detail"`
}

func runInspect(cmd *cobra.Command, args []string) error {
	if len(args) == 1 && inspectMatch == "" {
		return fmt.Errorf("name at least one symbol or use --match")
	}
	re, err := compileMatch(inspectMatch)
	if err != nil {
		return err
	}

	f, err := symbols.Open(args[0])
	if err != nil {
		return fmt.Errorf("failed to open binary: %w", err)
	}
	defer f.Close()

	syms, err := f.Symbols()
	if err != nil {
		return fmt.Errorf("failed to read symbols: %w", err)
	}

	var selected []symbols.Symbol
	var missing []string
	for _, name := range args[1:] {
		s, ok := syms[name]
		if !ok {
			missing = append(missing, name)
			continue
		}
		selected = append(selected, s)
	}
	if re != nil {
		selected = append(selected, filterSymbols(syms, re, false)...)
	}

	out := make([]inspection, 0, len(selected)+len(missing))
	for _, s := range selected {
		code, err := f.Code(s)
		if err != nil {
			logger.Warn("cannot read code", zap.String("symbol", s.Name), zap.Error(err))
			out = append(out, inspection{
				Symbol:  s.Name,
				Address: fmt.Sprintf("%#x", s.Addr),
				Size:    s.Size,
				Kind:    prologue.Unknown.String(),
				Detail:  err.Error(),
			})
			continue
		}
		out = append(out, inspect(s, code))
	}
	for _, name := range missing {
		out = append(out, inspection{Symbol: name, Kind: prologue.Unknown.String(), Detail: "symbol not found"})
	}
	logger.Debug("inspected", zap.String("file", args[0]), zap.Int("functions", len(out)))

	if err := writeInspections(cmd.OutOrStdout(), out, isJSONOutput()); err != nil {
		return err
	}
	if len(missing) > 0 {
		fmt.Fprintf(os.Stderr, "%d symbol(s) not found\n", len(missing))
	}
	return nil
}

func inspect(s symbols.Symbol, code []byte) inspection {
	in := inspection{
		Symbol:  s.Name,
		Address: fmt.Sprintf("%#x", s.Addr),
		Size:    s.Size,
	}
	p, err := prologue.Analyze(code)
	in.Kind = p.Kind.String()
	if err != nil {
		in.Detail = err.Error()
		return in
	}
	in.Hookable = true
	switch p.Kind {
	case prologue.StackChecked:
		in.Detail = fmt.Sprintf("jump at entry, trampoline enters body at +%d", p.CheckLen)
	case prologue.Leaf:
		in.Detail = fmt.Sprintf("jump at entry, %d bytes move to trampoline", p.CopyLen)
	}
	return in
}

func writeInspections(w io.Writer, out []inspection, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	}
	if len(out) == 0 {
		fmt.Fprintln(w, "No functions inspected")
		return nil
	}
	table := tablewriter.NewWriter(w)
	table.Header("Symbol", "Address", "Kind", "Hookable", "Detail")
	for _, in := range out {
		hookable := "No"
		if in.Hookable {
			hookable = "Yes"
		}
		table.Append(in.Symbol, in.Address, in.Kind, hookable, in.Detail)
	}
	table.Render()
	return nil
}
