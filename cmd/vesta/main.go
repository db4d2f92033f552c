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
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/go-vesta/vesta/internal/engine/bootstrap"
	"github.com/go-vesta/vesta/pkg/version"
)

var configFile string

var rootCmd = &cobra.Command{
	Use:   "vesta",
	Short: "vesta is the run engine: queue, lifecycle and runner protocol",
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := bootstrap.New(configFile)
		if err != nil {
			return err
		}
		bootstrap.Run(app)
		return nil
	},
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "conf", "conf.d/vesta.toml",
		"config file path, e.g. --conf ./conf.d/vesta.toml")
	rootCmd.AddCommand(version.VersionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
