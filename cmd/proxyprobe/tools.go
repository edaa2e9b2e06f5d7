package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"proxyprobe/internal/archive"
	"proxyprobe/internal/download"
	"proxyprobe/internal/platform"
	"proxyprobe/internal/sys/process"
)

func newArchiveCommand(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "archive <archive.zip> <dir> <pattern>...",
		Short: "Zip the files of dir selected by glob or plain patterns",
		Args:  cobra.MinimumNArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			ok, err := archive.ArchivateFolder(args[0], args[1], args[2:])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), ok)
			return nil
		},
	}
}

func newDownloadCommand(g *globals) *cobra.Command {
	var quiet bool
	cmd := &cobra.Command{
		Use:   "download <url> <dest>",
		Short: "Download a file, resuming a partial dest when the server allows it",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			progress := make(chan download.Progress, 16)
			done := make(chan struct{})
			go func() {
				defer close(done)
				last := time.Time{}
				for p := range progress {
					if quiet || time.Since(last) < 200*time.Millisecond {
						continue
					}
					last = time.Now()
					if p.Total != nil && *p.Total > 0 {
						fmt.Fprintf(cmd.ErrOrStderr(), "\r%d/%d bytes (%.1f%%)", p.Downloaded, *p.Total, float64(p.Downloaded)*100/float64(*p.Total))
					} else {
						fmt.Fprintf(cmd.ErrOrStderr(), "\r%d bytes", p.Downloaded)
					}
				}
				if !quiet {
					fmt.Fprintln(cmd.ErrOrStderr())
				}
			}()

			resp, err := download.New(g.cfg.DownloadConf).DownloadFile(ctx, args[0], args[1], progress)
			close(progress)
			<-done
			if err != nil {
				return err
			}
			b, err := json.Marshal(resp)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(b))
			return nil
		},
	}
	cmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "do not print progress")
	return cmd
}

func parsePID(s string) (int, error) {
	pid, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("invalid pid %q", s)
	}
	return pid, nil
}

func newKillCommand(g *globals) *cobra.Command {
	var wait time.Duration
	cmd := &cobra.Command{
		Use:   "kill <pid>",
		Short: "Ask a process to exit; with --wait, terminate it and wait, killing it on timeout",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pid, err := parsePID(args[0])
			if err != nil {
				return err
			}
			if wait <= 0 {
				return process.KillByPID(pid)
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), wait)
			defer cancel()
			err = process.TerminateSync(ctx, pid)
			if errors.Is(err, process.ErrForceKilled) {
				fmt.Fprintf(cmd.ErrOrStderr(), "process %d did not exit within %s and was killed\n", pid, wait)
				return nil
			}
			return err
		},
	}
	cmd.Flags().DurationVarP(&wait, "wait", "w", 0, "terminate and wait up to this long")
	return cmd
}

func newForegroundCommand(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "foreground <pid>",
		Short: "Bring a window of the process to the front",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pid, err := parsePID(args[0])
			if err != nil {
				return err
			}
			ok, err := process.SetForegroundByPID(pid)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), ok)
			return nil
		},
	}
}

func newPlatformCommand(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "platform",
		Short: "Print the detected platform and its artifact id",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			key := platform.Detect()
			id, err := platform.Lookup(key)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", key, id)
			return nil
		},
	}
}
