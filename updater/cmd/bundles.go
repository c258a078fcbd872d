package cmd

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/spf13/cobra"

	"github.com/Samankhalid01/capacitor-updater/updater/internal/api"
	"github.com/Samankhalid01/capacitor-updater/updater/internal/bundle"
	"github.com/Samankhalid01/capacitor-updater/updater/internal/manager"
	"github.com/Samankhalid01/capacitor-updater/updater/internal/notify"
	"github.com/Samankhalid01/capacitor-updater/util"
)

const defaultRequestTimeout = 30 * time.Second

var (
	versionNameFlag    string
	lastSuccessfulFlag bool
	cancelDelayFlag    bool
)

var currentCmd = &cobra.Command{
	Use:   "current",
	Short: "prints the rendered bundle and the native version",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		var current manager.Current
		if err := callDaemon(cmd, http.MethodGet, "/current", nil, &current); err != nil {
			return err
		}
		cmd.Printf("Bundle: %s\nNative: %s\n", describe(current.Bundle), current.Native)
		return nil
	},
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "lists the downloaded bundles",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		var bundles []bundle.Bundle
		if err := callDaemon(cmd, http.MethodGet, "/bundles", nil, &bundles); err != nil {
			return err
		}
		printBundles(cmd.OutOrStdout(), bundles)
		return nil
	},
}

var downloadCmd = &cobra.Command{
	Use:   "download <url> <version>",
	Short: "downloads a bundle archive and registers it as pending",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		var b bundle.Bundle
		req := api.DownloadRequest{URL: args[0], Version: args[1]}
		if err := callDaemon(cmd, http.MethodPost, "/bundles", req, &b); err != nil {
			return err
		}
		cmd.Printf("Downloaded %s\n", describe(b))
		return nil
	},
}

var nextCmd = &cobra.Command{
	Use:   "next <id>",
	Short: "stages a bundle for the next background transition",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return selectBundle(cmd, args[0], "next", "Staged")
	},
}

var setCmd = &cobra.Command{
	Use:   "set <id>",
	Short: "activates a bundle immediately",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return selectBundle(cmd, args[0], "set", "Activated")
	},
}

var deleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "deletes a bundle that is not current",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := callDaemon(cmd, http.MethodDelete, "/bundles/"+url.PathEscape(args[0]), nil, nil); err != nil {
			return err
		}
		cmd.Printf("Deleted %s\n", args[0])
		return nil
	},
}

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "moves back to the builtin bundle",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		var current manager.Current
		req := api.ResetRequest{ToLastSuccessful: lastSuccessfulFlag}
		if err := callDaemon(cmd, http.MethodPost, "/reset", req, &current); err != nil {
			return err
		}
		cmd.Printf("Current bundle: %s\n", describe(current.Bundle))
		return nil
	},
}

var reloadCmd = &cobra.Command{
	Use:   "reload",
	Short: "reloads the current bundle",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		var current manager.Current
		if err := callDaemon(cmd, http.MethodPost, "/reload", nil, &current); err != nil {
			return err
		}
		cmd.Printf("Reloaded %s\n", describe(current.Bundle))
		return nil
	},
}

var readyCmd = &cobra.Command{
	Use:   "ready",
	Short: "confirms that the current bundle started",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		var b bundle.Bundle
		if err := callDaemon(cmd, http.MethodPost, "/ready", nil, &b); err != nil {
			return err
		}
		cmd.Printf("Confirmed %s\n", describe(b))
		return nil
	},
}

var delayCmd = &cobra.Command{
	Use:   "delay",
	Short: "skips the next background transition",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		method, msg := http.MethodPost, "Update delayed to the next transition"
		if cancelDelayFlag {
			method, msg = http.MethodDelete, "Update delay cancelled"
		}
		if err := callDaemon(cmd, method, "/delay", nil, nil); err != nil {
			return err
		}
		cmd.Println(msg)
		return nil
	},
}

var foregroundCmd = &cobra.Command{
	Use:   "foreground",
	Short: "signals that the application moved to the foreground",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return callDaemon(cmd, http.MethodPost, "/lifecycle/foreground", nil, nil)
	},
}

var backgroundCmd = &cobra.Command{
	Use:   "background",
	Short: "signals that the application moved to the background",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		var resp api.TransitionResponse
		if err := callDaemon(cmd, http.MethodPost, "/lifecycle/background", nil, &resp); err != nil {
			return err
		}
		cmd.Printf("Transition outcome: %s\n", resp.Outcome)
		return nil
	},
}

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "streams lifecycle events until interrupted",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		util.SetFlagsFromEnvVars(rootCmd)

		ctx, cancel := context.WithCancel(cmd.Context())
		defer cancel()
		SetupCloseHandler(ctx, cancel)

		wsURL := "ws" + strings.TrimPrefix(strings.TrimSuffix(daemonAddr, "/"), "http") + "/api/events"
		conn, _, err := websocket.Dial(ctx, wsURL, nil)
		if err != nil {
			return fmt.Errorf("failed to connect to daemon at %s: %w", daemonAddr, err)
		}
		defer func() {
			_ = conn.Close(websocket.StatusNormalClosure, "")
		}()

		for {
			var event notify.Event
			if err := wsjson.Read(ctx, conn, &event); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("event stream closed: %w", err)
			}
			cmd.Printf("%s %s %v\n", event.Timestamp.Format(time.RFC3339), event.Name, event.Payload)
		}
	},
}

func init() {
	nextCmd.Flags().StringVar(&versionNameFlag, "name", "", "relabels the bundle with this version name")
	setCmd.Flags().StringVar(&versionNameFlag, "name", "", "relabels the bundle with this version name")
	resetCmd.Flags().BoolVar(&lastSuccessfulFlag, "last-successful", false, "resets to the last successfully confirmed bundle instead of builtin")
	delayCmd.Flags().BoolVar(&cancelDelayFlag, "cancel", false, "cancels a pending delay")
}

func callDaemon(cmd *cobra.Command, method, path string, body, out interface{}) error {
	util.SetFlagsFromEnvVars(rootCmd)

	ctx, cancel := context.WithTimeout(cmd.Context(), defaultRequestTimeout)
	defer cancel()

	return newDaemonClient(daemonAddr).do(ctx, method, path, body, out)
}

func selectBundle(cmd *cobra.Command, id, action, verb string) error {
	var b bundle.Bundle
	req := api.SelectRequest{VersionName: versionNameFlag}
	if err := callDaemon(cmd, http.MethodPost, "/bundles/"+url.PathEscape(id)+"/"+action, req, &b); err != nil {
		return err
	}
	cmd.Printf("%s %s\n", verb, describe(b))
	return nil
}

func describe(b bundle.Bundle) string {
	if b.VersionName == "" || b.VersionName == b.ID {
		return fmt.Sprintf("%s (%s)", b.ID, b.Status)
	}
	return fmt.Sprintf("%s [%s] (%s)", b.ID, b.VersionName, b.Status)
}

func printBundles(w io.Writer, bundles []bundle.Bundle) {
	if len(bundles) == 0 {
		fmt.Fprintln(w, "No downloaded bundles")
		return
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tVERSION\tSTATUS\tDOWNLOADED")
	for _, b := range bundles {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", b.ID, b.VersionName, b.Status, b.DownloadedAt.Format(time.RFC3339))
	}
	_ = tw.Flush()
}
