// Copyright 2025 Vesta Team
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/go-vesta/vesta/internal/runner"
	"github.com/go-vesta/vesta/internal/runner/config"
	"github.com/go-vesta/vesta/pkg/log"
	"github.com/go-vesta/vesta/pkg/version"
)

var configFile string

var rootCmd = &cobra.Command{
	Use:   "vesta-runner",
	Short: "vesta-runner supervises task execution against the engine",
	RunE: func(cmd *cobra.Command, args []string) error {
		conf := config.NewConf(configFile)
		if _, err := log.New(&conf.Log); err != nil {
			return fmt.Errorf("init logger: %w", err)
		}
		defer func() { _ = log.Sync() }()

		// A signal stops pulling new runs; the attempt in flight is
		// allowed to finish.
		ctx, stop := signal.NotifyContext(context.Background(),
			syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		return runner.New(conf).Run(ctx)
	},
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "conf", "conf.d/runner.toml",
		"config file path, e.g. --conf ./conf.d/runner.toml")
	rootCmd.AddCommand(version.VersionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
