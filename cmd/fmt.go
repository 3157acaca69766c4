package cmd

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/hashicorp/hcl/v2/hclwrite"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/upstack-tools/upstack/config"
)

var fmtCheckOnly bool

// fmtCmd represents the fmt command
var fmtCmd = &cobra.Command{
	Use:   "fmt [source-dirs-or-files...]",
	Short: "Rewrite template files to canonical formatting",
	Long: `Rewrite template files so that they use the canonical layout for block
nesting and attribute alignment.

- If a specific template file is given, that file is rewritten in-place.
- If a directory is given, .upstack files in that directory are rewritten
  in-place.
- If no arguments are given, all .upstack files in the current directory are
  rewritten in-place.
- If the argument is literally "-" then a template will be read from stdin
  and the result written to stdout. This cannot be mixed with any other
  arguments.
`,
	Args: cobra.ArbitraryArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) == 1 && args[0] == "-" {
			src, err := io.ReadAll(os.Stdin)
			if err != nil {
				return err
			}
			_, err = os.Stdout.Write(hclwrite.Format(src))
			return err
		}

		if len(args) == 0 {
			args = []string{"."}
		}

		var changed []string
		for _, arg := range args {
			info, err := os.Stat(arg)
			if err != nil {
				return err
			}
			paths := []string{arg}
			if info.IsDir() {
				paths, err = filepath.Glob(filepath.Join(arg, "*"+config.TemplateExt))
				if err != nil {
					return err
				}
			}
			for _, path := range paths {
				wasChanged, err := fmtFile(path)
				if err != nil {
					return err
				}
				if wasChanged {
					changed = append(changed, path)
				}
			}
		}

		if fmtCheckOnly {
			if len(changed) > 0 {
				fmt.Println(strings.Join(changed, "\n"))
				os.Exit(1)
			}
			return nil
		}
		for _, path := range changed {
			fmt.Println(path)
		}
		return nil
	},
}

func fmtFile(path string) (bool, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return false, err
	}
	formatted := hclwrite.Format(src)
	if bytes.Equal(formatted, src) {
		return false, nil
	}
	if fmtCheckOnly {
		return true, nil
	}
	if err := os.WriteFile(path, formatted, 0644); err != nil {
		return true, errors.Wrapf(err, "rewriting %s", path)
	}
	return true, nil
}

func init() {
	fmtCmd.Flags().BoolVarP(
		&fmtCheckOnly,
		"check-only", "c",
		false,
		"don't modify any files; instead, exit status 1 if non-canonical",
	)
	rootCmd.AddCommand(fmtCmd)
}
