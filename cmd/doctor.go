package cmd

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/protobuf/encoding/protojson"

	"github.com/captrail/captrail/config"
	"github.com/captrail/captrail/pkg/capture/lifecycle"
	"github.com/captrail/captrail/pkg/capture/platform"
	"github.com/captrail/captrail/pkg/dom/replay"
	"github.com/captrail/captrail/pkg/store"
	"github.com/captrail/captrail/pkg/webhook/secrets"
)

const healthProbeTimeout = 2 * time.Second

// NewDoctorCommand creates the diagnostics command.
func NewDoctorCommand(deps *CommandDeps) *cobra.Command {
	c := &cobra.Command{
		Use:   "doctor",
		Short: "Check the captrail setup",
		Long: `Check the local setup: config file, store backend, signing key source
and, when the daemon is running, its health service.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runDoctor(cmd.Context(), deps)
		},
	}
	c.AddCommand(newDoctorReplayCommand(deps))
	return c
}

func runDoctor(ctx context.Context, deps *CommandDeps) error {
	out := deps.out()
	failures := 0

	cfg, err := deps.LoadConfig()
	if err != nil {
		fmt.Fprintf(out, "config:  FAIL  %v\n", err)
		return fmt.Errorf("config is broken, fix it before the other checks can run")
	}
	path, _ := config.ConfigPath()
	fmt.Fprintf(out, "config:  ok    %s (store=%s)\n", path, cfg.Store.Backend)

	if st, err := deps.OpenStore(ctx, cfg); err != nil {
		failures++
		fmt.Fprintf(out, "store:   FAIL  %v\n", err)
	} else {
		n, lerr := storeMeetingCount(ctx, st)
		st.Close()
		if lerr != nil {
			failures++
			fmt.Fprintf(out, "store:   FAIL  %v\n", lerr)
		} else {
			fmt.Fprintf(out, "store:   ok    %d meetings\n", n)
		}
	}

	if provider, err := secrets.GetDefaultKeyProvider(); err != nil {
		fmt.Fprintf(out, "signing: warn  %v (webhook payloads go out unsigned)\n", err)
	} else {
		fmt.Fprintf(out, "signing: ok    %s\n", provider.Description())
	}

	probeDaemonHealth(ctx, out, cfg.Listen.GRPCAddr)

	if failures > 0 {
		return fmt.Errorf("%d check(s) failed", failures)
	}
	return nil
}

func storeMeetingCount(ctx context.Context, st store.Store) (int, error) {
	summaries, err := st.ListMeetings(ctx, 0)
	if err != nil {
		return 0, err
	}
	return len(summaries), nil
}

// probeDaemonHealth asks the daemon's gRPC health service how it is doing. A
// daemon that is not running is reported, not treated as a failure.
func probeDaemonHealth(ctx context.Context, out io.Writer, addr string) {
	if addr == "" {
		fmt.Fprintln(out, "daemon:  skip  health listener disabled in config")
		return
	}
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		fmt.Fprintf(out, "daemon:  warn  %v\n", err)
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(ctx, healthProbeTimeout)
	defer cancel()
	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{})
	if err != nil {
		fmt.Fprintf(out, "daemon:  info  not reachable at %s (is it running?)\n", addr)
		return
	}
	fmt.Fprintf(out, "daemon:  ok    %s\n", protojson.Format(resp))
}

func newDoctorReplayCommand(deps *CommandDeps) *cobra.Command {
	return &cobra.Command{
		Use:   "replay <recording>",
		Short: "Run a recorded shim session through the capture pipeline",
		Long: `Replay a JSONL shim recording through the full capture pipeline with an
in-memory store and print the resulting transcript. This exercises platform
detection, speaker attribution and turn flushing without a browser.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReplay(cmd.Context(), deps, args[0])
		},
	}
}

func runReplay(ctx context.Context, deps *CommandDeps, path string) error {
	rd, closer, err := replay.Open(path)
	if err != nil {
		return err
	}
	defer closer.Close()

	// The first envelope must be the shim hello; the adapter needs the
	// platform before the rest of the recording plays.
	if err := rd.Step(); err != nil {
		return fmt.Errorf("recording has no hello: %w", err)
	}
	doc := rd.Document()
	if doc.Platform() == "" {
		return fmt.Errorf("recording does not start with a hello envelope")
	}

	st := store.NewMemoryStore()
	defer st.Close()
	log := deps.logger()
	ctrl := lifecycle.New(st, lifecycle.NopNotifier{}, log, lifecycle.Options{
		TitleDelay: 10 * time.Millisecond,
	})

	adapter, err := platform.New(doc, ctrl, log, nil, platform.Config{})
	if err != nil {
		return fmt.Errorf("platform %q: %w", doc.Platform(), err)
	}

	done := make(chan error, 1)
	go func() { done <- adapter.Run(ctx) }()

	// Let the adapter attach its observers before envelopes play, or early
	// captions would be lost the way they never are on a live feed.
	waitUntil := time.Now().Add(2 * time.Second)
	for adapter.State() != platform.StateObserving && time.Now().Before(waitUntil) {
		time.Sleep(5 * time.Millisecond)
	}

	if err := rd.Play(); err != nil {
		return fmt.Errorf("replay: %w", err)
	}
	if err := <-done; err != nil {
		return fmt.Errorf("capture pipeline: %w", err)
	}

	meetingID := ctrl.MeetingID()
	if meetingID == "" {
		fmt.Fprintln(deps.out(), "No meeting detected in the recording.")
		return nil
	}
	m, err := st.GetMeeting(ctx, meetingID)
	if err != nil {
		return err
	}
	printMeeting(deps.out(), m)
	return nil
}
