// Device side: command server, report broadcaster and control loop.
package serve

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/coreos/go-systemd/daemon"
	"github.com/juju/errors"
	"github.com/temoto/nestwatch/cmd/nestwatch/subcmd"
	"github.com/temoto/nestwatch/helpers"
	"github.com/temoto/nestwatch/internal/bridge"
	"github.com/temoto/nestwatch/internal/channel"
	"github.com/temoto/nestwatch/internal/config"
	"github.com/temoto/nestwatch/internal/control"
	"github.com/temoto/nestwatch/internal/mirror"
	"github.com/temoto/nestwatch/log2"
)

var Mod = subcmd.Mod{Name: "serve", Usage: "run device server until SIGINT/SIGTERM", Config: true, Main: Main}

type service struct {
	bridge      *bridge.Bridge
	server      *channel.Server
	broadcaster *channel.Broadcaster
	loop        *control.Loop
	mirror      *mirror.Publisher
}

func Main(ctx context.Context, log *log2.Log, cfg *config.Config, args []string) error {
	svc, err := newService(log, cfg)
	if err != nil {
		return err
	}
	if err = svc.server.Listen(ctx, cfg.ListenURL()); err != nil {
		_ = svc.close()
		return err
	}
	log.Infof("listening addr=%s encryption=%t full_encryption=%t",
		svc.server.Addr(), svc.server.Encrypted(), cfg.Channel.FullEncryption)

	errch := make(chan error, 2)
	go func() { errch <- errors.Annotate(svc.broadcaster.Run(), "broadcaster") }()
	go func() { errch <- errors.Annotate(svc.loop.Run(), "control") }()
	subcmd.SdNotify(daemon.SdNotifyReady)

	sigch := make(chan os.Signal, 1)
	signal.Notify(sigch, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigch)
	var runErr error
	select {
	case sig := <-sigch:
		log.Infof("signal=%s shutting down", sig)
	case <-ctx.Done():
		runErr = ctx.Err()
	case runErr = <-errch:
		log.Errorf("stopped unexpectedly err=%v", runErr)
	}
	subcmd.SdNotify(daemon.SdNotifyStopping)
	err = svc.close()
	log.Infof("stat server=%s bridge=%s broadcast=%s", svc.server.Stat(), svc.bridge.Stat(), svc.broadcaster.Stat())
	return helpers.FoldErrors([]error{runErr, err})
}

func newService(log *log2.Log, cfg *config.Config) (*service, error) {
	cipher, err := cfg.Cipher()
	if err != nil {
		return nil, errors.Annotate(err, "channel key")
	}
	if cipher == nil {
		log.Infof("channel key is not configured, commands are accepted in plaintext")
	}

	svc := &service{}
	var reports bridge.ReportQueue
	if cfg.Report.PersistPath != "" {
		spool, err := bridge.OpenSpool(cfg.Report.PersistPath, log)
		if err != nil {
			return nil, err
		}
		reports = spool
	}
	svc.bridge = bridge.New(bridge.Options{Log: log, Reports: reports})

	svc.server, err = channel.NewServer(channel.ServerOptions{
		Log:            log,
		Commands:       svc.bridge,
		Cipher:         cipher,
		FullEncryption: cfg.Channel.FullEncryption,
		AuthTimeout:    cfg.AuthTimeout(),
		AckTimeout:     cfg.AckTimeout(),
		WriteTimeout:   cfg.WriteTimeout(),
		ReadLimit:      cfg.Channel.ReadLimit,
	})
	if err != nil {
		_ = svc.close()
		return nil, err
	}

	var sinks []channel.ReportSink
	if m := cfg.Report.Mqtt; m.Enable {
		svc.mirror, err = mirror.New(mirror.Options{
			Log:      log,
			Broker:   m.Broker,
			ClientID: m.ClientID,
			Topic:    m.Topic,
			QoS:      byte(m.QoS),
			Retained: m.Retained,
			Username: m.Username,
			Password: m.Password,
		})
		if err != nil {
			_ = svc.close()
			return nil, errors.Annotate(err, "report mirror")
		}
		sinks = append(sinks, svc.mirror)
	}

	svc.broadcaster, err = channel.NewBroadcaster(channel.BroadcasterOptions{
		Log:            log,
		Source:         svc.bridge,
		Registry:       svc.server.Clients(),
		FullEncryption: cfg.Channel.FullEncryption,
		WriteTimeout:   cfg.WriteTimeout(),
		Sinks:          sinks,
	})
	if err != nil {
		_ = svc.close()
		return nil, err
	}
	svc.loop, err = control.New(control.Options{
		Log:       log,
		Bridge:    svc.bridge,
		Clients:   svc.server.Clients().Len,
		Heartbeat: cfg.Heartbeat(),
	})
	if err != nil {
		_ = svc.close()
		return nil, err
	}
	return svc, nil
}

// close order: connections first so no handler waits on closed bridge,
// then queues which unblocks broadcaster and control loop.
func (svc *service) close() error {
	errs := make([]error, 0, 5)
	if svc.server != nil {
		errs = append(errs, svc.server.Close())
	}
	if svc.bridge != nil {
		errs = append(errs, svc.bridge.Close())
	}
	if svc.broadcaster != nil {
		errs = append(errs, svc.broadcaster.Close())
	}
	if svc.loop != nil {
		errs = append(errs, svc.loop.Close())
	}
	if svc.mirror != nil {
		errs = append(errs, svc.mirror.Close())
	}
	return helpers.FoldErrors(errs)
}
