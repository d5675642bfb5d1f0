package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"syscall"
	"time"

	modbus "github.com/hootrhino/mbmaster"
	"github.com/oklog/run"
	"github.com/spf13/cobra"
)

var (
	pollInterval time.Duration
	pollCount    int
)

var pollCmd = &cobra.Command{
	Use:   "poll",
	Short: "Poll the requests and points listed in the config file",
	Long: `Run the requests of the config file's poll section, and one request per
group of contiguous points, once per interval and print every result until
interrupted. Point groups are printed as decoded values. A connection error
is reported and polling continues; the connection is reopened by the next
request.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		groups, err := cfg.PointGroups()
		if err != nil {
			return err
		}
		if len(cfg.Poll.Requests) == 0 && len(groups) == 0 {
			return errors.New("no poll requests or points configured")
		}
		interval := cfg.Poll.Interval
		if cmd.Flags().Changed("interval") {
			interval = pollInterval
		}
		if interval <= 0 {
			return fmt.Errorf("invalid poll interval %v", interval)
		}

		poller := modbus.NewPoller(client, interval)
		for i, rc := range cfg.Poll.Requests {
			if rc.Name == "" {
				rc.Name = fmt.Sprintf("request-%d", i+1)
			}
			pdu, size, err := rc.BuildPDU()
			if err != nil {
				return err
			}
			req := modbus.PollRequest{Name: rc.Name, ServerID: cfg.Unit, PDU: pdu, ResponseSize: size}
			if rc.Unit != nil {
				req.ServerID = *rc.Unit
			}
			if err := poller.AddRequest(req); err != nil {
				return err
			}
		}
		byName := make(map[string]modbus.PointGroup, len(groups))
		for _, g := range groups {
			pdu, err := g.Request()
			if err != nil {
				return err
			}
			if err := poller.AddRequest(modbus.PollRequest{Name: g.Name(), ServerID: g.ServerID, PDU: pdu}); err != nil {
				return err
			}
			byName[g.Name()] = g
		}

		out, errOut := cmd.OutOrStdout(), cmd.ErrOrStderr()
		var (
			mu       sync.Mutex
			received int
		)
		poller.SetOnData(func(r modbus.PollResult) {
			mu.Lock()
			defer mu.Unlock()
			var report any = newPollReport(r)
			if g, ok := byName[r.Name]; ok && r.Result == modbus.ResultOK {
				values, err := g.Decode(r.Response)
				if err != nil {
					fmt.Fprintln(errOut, "decode error:", err)
				}
				report = &pointsReport{Time: r.Time, Points: values}
			}
			if err := render(out, cfg.Output, report); err != nil {
				fmt.Fprintln(errOut, "output error:", err)
			}
			received++
			if pollCount > 0 && received >= pollCount {
				poller.Stop()
			}
		})
		poller.SetOnError(func(err error) {
			fmt.Fprintln(errOut, "poll error:", err)
		})

		ctx, cancel := context.WithCancel(cmd.Context())
		defer cancel()

		var g run.Group
		g.Add(func() error {
			return poller.Run(ctx)
		}, func(error) {
			cancel()
		})
		execute, interrupt := run.SignalHandler(ctx, os.Interrupt, syscall.SIGTERM)
		g.Add(func() error {
			if err := execute(); err != nil && !errors.Is(err, context.Canceled) {
				fmt.Fprintln(errOut, "stopping:", err)
			}
			return nil
		}, interrupt)
		return g.Run()
	},
}

func init() {
	pollCmd.Flags().DurationVar(&pollInterval, "interval", time.Second, "poll interval (overrides poll.interval)")
	pollCmd.Flags().IntVar(&pollCount, "count", 0, "stop after this many results, 0 polls until interrupted")
	rootCmd.AddCommand(pollCmd)
}
