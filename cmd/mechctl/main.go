// Copyright 2026 The Mech Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use file except in compliance with the License.
// You may obtain a copy of the license at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Command mechctl talks to the status API of a running mechd.
//
// Subcommands are
//
//	status     - show the supervisor and worker status
//	log [-f]   - show (and follow) the supervisor log
//	restart    - restart the worker
//	top        - full screen, continuously updated status
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/mechsup/mech/rest"
)

const requestTimeout = 10 * time.Second

var rootCmd = &cobra.Command{
	Use:           "mechctl",
	Short:         "Inspect and control a mech supervisor",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringP("address", "a", "http://127.0.0.1:8321", "supervisor address (env MECH_ADDRESS)")
	pf.StringP("user", "u", "", "user:pass authentication")
	pf.StringP("output", "o", "table", "output format: table or json")
	_ = viper.BindPFlag("address", pf.Lookup("address"))
	_ = viper.BindPFlag("user", pf.Lookup("user"))
	_ = viper.BindPFlag("output", pf.Lookup("output"))
	viper.SetEnvPrefix("MECH")
	viper.AutomaticEnv()

	logCmd.Flags().BoolP("follow", "f", false, "keep printing new lines")
	rootCmd.AddCommand(statusCmd, logCmd, restartCmd, topCmd)
}

func newClient() (*rest.Client, error) {
	client := rest.NewClient(nil, viper.GetString("address"))
	if auth := viper.GetString("user"); auth != "" {
		a := strings.SplitN(auth, ":", 2)
		if len(a) != 2 {
			return nil, fmt.Errorf("bad user:pass supplied")
		}
		client.SetAuth(a[0], a[1])
	}
	return client, nil
}

// since renders the time elapsed since t; second resolution suffices.
func since(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	d := time.Since(t)
	d -= d % time.Second
	return d.String()
}

func exitCode(s *rest.StatusInfo) string {
	if s.ExitCode == nil {
		return "-"
	}
	return fmt.Sprint(*s.ExitCode)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the supervisor status",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		client, err := newClient()
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
		defer cancel()
		s, err := client.Status(ctx)
		if err != nil {
			return err
		}
		if viper.GetString("output") == "json" {
			b, err := json.MarshalIndent(s.Snapshot, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(b))
			return nil
		}
		table := tablewriter.NewWriter(os.Stdout)
		table.Header("Worker", "Host", "Env", "State", "Status", "Exit", "Starts", "Recoveries", "Restarts", "Since")
		table.Append(s.Worker, s.Host, s.Environment, s.State, s.WorkerStatus,
			exitCode(s), s.Starts, s.Recoveries, s.Restarts, since(s.UpdateTime))
		return table.Render()
	},
}

var logCmd = &cobra.Command{
	Use:   "log",
	Short: "Show the supervisor log",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		client, err := newClient()
		if err != nil {
			return err
		}
		follow, _ := cmd.Flags().GetBool("follow")
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		l, err := client.Log(ctx)
		if err != nil {
			return err
		}
		var last int64
		for {
			for _, r := range l.Records {
				if r.ID > last {
					fmt.Printf("%s %s\n", r.Time.Format(time.RFC3339), r.Text)
					last = r.ID
				}
			}
			if !follow {
				return nil
			}
			if l, err = client.WatchLog(ctx, l); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return err
			}
		}
	},
}

var restartCmd = &cobra.Command{
	Use:   "restart",
	Short: "Restart the worker",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		client, err := newClient()
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
		defer cancel()
		return client.Restart(ctx)
	},
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "mechctl: %v\n", err)
		os.Exit(1)
	}
}
