package cmd

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/asheshgoplani/agent-fleet/internal/web"
)

var (
	serveListen string
	serveToken  string
	serveNoPush bool
)

var serveCmd = &cobra.Command{
	Use:     "serve",
	GroupID: GroupFleet,
	Short:   "Serve the status API and live stream over HTTP",
	Long: `Serve a read-only JSON API and a websocket stream of session state, and
send web push notifications when a session starts waiting on you.

If another process already polls the profile, serve follows its writes
instead of polling.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveListen, "listen", "", "listen address (default: web.listen from config)")
	serveCmd.Flags().StringVar(&serveToken, "token", "", "require this bearer token (default: web.token from config)")
	serveCmd.Flags().BoolVar(&serveNoPush, "no-push", false, "disable web push")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, _ []string) error {
	a, cfg, err := openApp(true)
	if err != nil {
		return err
	}
	defer a.Close()

	wc := web.Config{
		ListenAddr:      cfg.Web.Listen,
		Profile:         a.Profile.Name,
		Token:           cfg.Web.Token,
		Push:            cfg.PushEnabled() && !serveNoPush,
		VAPIDPublicKey:  cfg.Web.VAPIDPublicKey,
		VAPIDPrivateKey: cfg.Web.VAPIDPrivateKey,
		VAPIDSubject:    cfg.Web.VAPIDSubject,
	}
	if serveListen != "" {
		wc.ListenAddr = serveListen
	}
	if serveToken != "" {
		wc.Token = serveToken
	}
	if wc.Push && (wc.VAPIDPublicKey == "" || wc.VAPIDPrivateKey == "") {
		pub, priv, generated, err := web.EnsureVAPIDKeys(a.DB)
		if err != nil {
			cliLog.Warn("vapid_keys_unavailable", slog.String("error", err.Error()))
		} else {
			wc.VAPIDPublicKey, wc.VAPIDPrivateKey = pub, priv
			if generated {
				cliLog.Info("vapid_keys_generated", slog.String("profile", a.Profile.Name))
			}
		}
	}

	opts := []web.Option{web.WithPushStore(a.DB)}
	if !a.ReadOnly() {
		opts = append(opts, web.WithHealth(a.Scheduler.Health))
	}
	srv := web.NewServer(wc, a.Registry, opts...)

	ctx, stop := signalContext(cmd.Context())
	defer stop()

	out := newOutput(cmd)
	mode := "polling"
	if a.ReadOnly() {
		mode = "following another poller"
	}
	out.Print("serving %s on http://%s (%s)\n", a.Profile.Name, srv.Addr(), mode)
	if wc.Token == "" {
		out.Print("%s\n", dimStyle.Render("no token set: anyone who can reach this address can read session titles"))
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.Run(ctx) })
	g.Go(func() error { return srv.Run(ctx) })
	if err := g.Wait(); err != nil && ctx.Err() == nil {
		return fmt.Errorf("serve: %w", err)
	}
	return nil
}
