// Command canvas-probe is a headless relay client. It joins a room, keeps
// a replica of the canvas and logs what happens in the room.
package main

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os/signal"
	"syscall"
	"time"

	"collab-canvas/internal/client"
	"collab-canvas/internal/discovery"
	"collab-canvas/internal/models"
	"collab-canvas/internal/telemetry"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

type probeConfig struct {
	url      string
	origin   string
	room     string
	name     string
	draw     bool
	discover bool
	wait     time.Duration
	logLevel string
}

func main() {
	cobra.CheckErr(newCmd().Execute())
}

func newCmd() *cobra.Command {
	cfg := &probeConfig{}

	cmd := &cobra.Command{
		Use:           "canvas-probe",
		Short:         "Join a collab-canvas room from the terminal.",
		Args:          cobra.NoArgs,
		SilenceErrors: true,
		SilenceUsage:  true,
		RunE: func(cmd *cobra.Command, args []string) error {
			telemetry.SetupLogger(cfg.logLevel, true)
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			if cfg.discover {
				return discover(ctx, cfg.wait)
			}
			return probe(ctx, cfg)
		},
	}

	fs := cmd.Flags()
	fs.StringVar(&cfg.url, "url", "ws://localhost:3001/ws", "relay websocket url")
	fs.StringVar(&cfg.origin, "origin", "", "Origin header to send")
	fs.StringVarP(&cfg.room, "room", "r", models.DefaultRoomID, "room to join")
	fs.StringVarP(&cfg.name, "name", "n", "probe", "username")
	fs.BoolVar(&cfg.draw, "draw", false, "draw one demo stroke after joining")
	fs.BoolVar(&cfg.discover, "discover", false, "list relays announced on the local network and exit")
	fs.DurationVarP(&cfg.wait, "wait", "w", 5*time.Second, "how long to stay connected (or browse); 0 waits for a signal")
	fs.StringVar(&cfg.logLevel, "log-level", "info", "debug, info, warn or error")

	return cmd
}

func discover(ctx context.Context, wait time.Duration) error {
	entries, err := discovery.Browse(ctx, wait)
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	if len(entries) == 0 {
		fmt.Println("no relays found")
		return nil
	}
	for _, e := range entries {
		fmt.Printf("%-24s %s\n", e.Instance, e.URL())
	}
	return nil
}

func probe(ctx context.Context, cfg *probeConfig) error {
	if cfg.wait > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.wait)
		defer cancel()
	}

	conn, err := client.Dial(ctx, cfg.url, cfg.origin)
	if err != nil {
		return err
	}
	defer conn.Close()

	surface := client.NewRecordingSurface()
	rec := client.NewReconciler(surface, conn)

	joined := make(chan struct{})
	runErr := make(chan error, 1)
	go func() {
		runErr <- conn.Run(ctx, rec, func(env models.Envelope) {
			logEvent(rec, env)
			if env.Type == models.MessageRoomState {
				select {
				case <-joined:
				default:
					close(joined)
				}
			}
		})
	}()

	if err := rec.Join(cfg.room, cfg.name); err != nil {
		return fmt.Errorf("join: %w", err)
	}

	select {
	case <-joined:
	case err := <-runErr:
		return err
	case <-ctx.Done():
		return errors.New("no room-state before timeout")
	}

	if cfg.draw {
		if err := drawDemo(rec); err != nil {
			return err
		}
	}

	err = <-runErr
	log.Info().
		Int("operations", len(rec.Operations())).
		Int("users", len(rec.Users())).
		Int("rendered", len(surface.Rendered())).
		Msg("probe finished")
	return err
}

// drawDemo draws a small circle.
func drawDemo(rec *client.Reconciler) error {
	const points = 24
	for i := 0; i <= points; i++ {
		a := 2 * math.Pi * float64(i) / points
		p := models.Point{X: 200 + 50*math.Cos(a), Y: 200 + 50*math.Sin(a)}
		if i == 0 {
			rec.PointerDown(p)
			continue
		}
		rec.PointerMove(p)
		if _, err := rec.MoveCursor(p); err != nil {
			return err
		}
	}
	op, _, err := rec.PointerUp()
	if err != nil {
		return fmt.Errorf("draw: %w", err)
	}
	log.Info().Str("operationId", op.ID).Int("points", len(op.Path)).Msg("drew demo stroke")
	return nil
}

func logEvent(rec *client.Reconciler, env models.Envelope) {
	switch env.Type {
	case models.MessageRoomState:
		self := rec.Self()
		log.Info().
			Str("room", rec.RoomID()).
			Str("userId", self.ID).
			Str("color", self.Color).
			Int("operations", len(rec.Operations())).
			Int("users", len(rec.Users())).
			Msg("joined")
	case models.MessageCursorMove:
		log.Debug().Int("cursors", len(rec.Cursors())).Msg("cursor")
	default:
		canUndo, canRedo := rec.UndoState()
		log.Info().
			Str("event", string(env.Type)).
			Int("operations", len(rec.Operations())).
			Bool("canUndo", canUndo).
			Bool("canRedo", canRedo).
			Msg("event")
	}
}
