// Copyright © 2025 jackelyj <dreamerlyj@gmail.com>
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in
// all copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN
// THE SOFTWARE.

package config

import (
	"fmt"

	"github.com/spf13/cobra"

	svcconfig "github.com/innovationmech/recoverbus/internal/recoverbus/config"
	pkgconfig "github.com/innovationmech/recoverbus/pkg/config"
)

// NewConfigCmd creates the config command, which prints the effective
// configuration as YAML.
func NewConfigCmd(opts *pkgconfig.Options) *cobra.Command {
	var showFiles bool
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration",
		Long: `Print the configuration recoverbus would run with after merging defaults,
recoverbus.yaml, the environment file, the override file and RECOVERBUS_* variables.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, manager, err := svcconfig.Load(*opts)
			if err != nil {
				return err
			}
			data, err := svcconfig.Marshal(cfg)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if showFiles {
				for _, f := range manager.LoadedFiles() {
					fmt.Fprintf(out, "# loaded %s\n", f)
				}
			}
			_, err = out.Write(data)
			return err
		},
	}
	cmd.Flags().BoolVar(&showFiles, "show-files", false, "List the merged configuration files first")
	return cmd
}
