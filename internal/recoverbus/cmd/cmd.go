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

package cmd

import (
	"github.com/spf13/cobra"

	configcmd "github.com/innovationmech/recoverbus/internal/recoverbus/cmd/config"
	"github.com/innovationmech/recoverbus/internal/recoverbus/cmd/serve"
	"github.com/innovationmech/recoverbus/internal/recoverbus/cmd/version"
	pkgconfig "github.com/innovationmech/recoverbus/pkg/config"
)

// NewRootCommand creates the recoverbus root command.
func NewRootCommand() *cobra.Command {
	opts := pkgconfig.DefaultOptions()
	cmd := &cobra.Command{
		Use:          "recoverbus",
		Short:        "recoverbus message endpoint",
		Version:      version.Version,
		SilenceUsage: true,
	}
	cmd.SetVersionTemplate("recoverbus version {{.Version}}\n")

	flags := cmd.PersistentFlags()
	flags.StringVar(&opts.WorkDir, "config-dir", opts.WorkDir, "Directory holding recoverbus.yaml and its overlays")
	flags.StringVar(&opts.EnvironmentName, "env", opts.EnvironmentName, "Environment overlay to merge, e.g. dev loads recoverbus.dev.yaml")

	cmd.AddCommand(serve.NewServeCmd(&opts))
	cmd.AddCommand(configcmd.NewConfigCmd(&opts))
	cmd.AddCommand(version.NewVersionCommand())
	return cmd
}
