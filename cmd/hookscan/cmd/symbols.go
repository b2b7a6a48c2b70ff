package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"regexp"
	"sort"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	symbols "github.com/k2io/detour/internal/objSymbols"
)

var (
	symbolsMatch string
	symbolsAll   bool
)

// symbolsCmd represents the symbols command
var symbolsCmd = &cobra.Command{
	Use:   "symbols <binary>",
	Short: "List the symbols of a binary",
	Long:  `List the function symbols of an ELF, Mach-O or PE binary with their link address and size.`,
	Args:  cobra.ExactArgs(1),
	RunE:  runSymbols,
}

func init() {
	rootCmd.AddCommand(symbolsCmd)
	symbolsCmd.Flags().StringVar(&symbolsMatch, "match", "", "only list symbols matching this regular expression")
	symbolsCmd.Flags().BoolVar(&symbolsAll, "all", false, "include data symbols")
}

type symbolInfo struct {
	Name    string `json:"name"`
	Address string `json:"address"`
	Size    uint64 `json:"size"`
	Func    bool   `json:"func"`
}

func runSymbols(cmd *cobra.Command, args []string) error {
	re, err := compileMatch(symbolsMatch)
	if err != nil {
		return err
	}
	syms, err := symbols.ReadSymbols(args[0])
	if err != nil {
		return fmt.Errorf("failed to read symbols: %w", err)
	}
	logger.Debug("symbols read", zap.String("file", args[0]), zap.Int("count", len(syms)))

	list := filterSymbols(syms, re, symbolsAll)
	out := make([]symbolInfo, 0, len(list))
	for _, s := range list {
		out = append(out, symbolInfo{
			Name:    s.Name,
			Address: fmt.Sprintf("%#x", s.Addr),
			Size:    s.Size,
			Func:    s.Func,
		})
	}
	return writeSymbols(cmd.OutOrStdout(), out, isJSONOutput())
}

func compileMatch(expr string) (*regexp.Regexp, error) {
	if expr == "" {
		return nil, nil
	}
	re, err := regexp.Compile(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid --match expression: %w", err)
	}
	return re, nil
}

// filterSymbols returns the selected symbols ordered by address, then name.
func filterSymbols(syms map[string]symbols.Symbol, re *regexp.Regexp, all bool) []symbols.Symbol {
	list := make([]symbols.Symbol, 0, len(syms))
	for _, s := range syms {
		if !all && !s.Func {
			continue
		}
		if re != nil && !re.MatchString(s.Name) {
			continue
		}
		list = append(list, s)
	}
	sort.Slice(list, func(i, j int) bool {
		if list[i].Addr != list[j].Addr {
			return list[i].Addr < list[j].Addr
		}
		return list[i].Name < list[j].Name
	})
	return list
}

func writeSymbols(w io.Writer, out []symbolInfo, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	}
	if len(out) == 0 {
		fmt.Fprintln(w, "No symbols found")
		return nil
	}
	table := tablewriter.NewWriter(w)
	table.Header("Address", "Size", "Name")
	for _, s := range out {
		table.Append(s.Address, fmt.Sprintf("%d", s.Size), s.Name)
	}
	table.Render()
	return nil
}
