package supervisor

import (
	"context"
	"time"

	"github.com/thejerf/suture/v4"

	"github.com/pironjulien/trinity-hackathon-sub001/pkg/logging"
)

// TreeConfig holds the restart parameters of the service tree
type TreeConfig struct {
	FailureThreshold float64
	FailureDecay     float64
	FailureBackoff   time.Duration
	ShutdownTimeout  time.Duration
}

func DefaultTreeConfig() TreeConfig {
	return TreeConfig{
		FailureThreshold: 5.0,
		FailureDecay:     30.0,
		FailureBackoff:   15 * time.Second,
		ShutdownTimeout:  10 * time.Second,
	}
}

// serviceTree runs the long-lived services in two layers. The messaging
// layer (broadcast hub) outlives the control layer (watchdog, reaper,
// gateway) so the final worker transitions still reach the log channels.
type serviceTree struct {
	root      *suture.Supervisor
	messaging *suture.Supervisor
	control   *suture.Supervisor

	controlToken suture.ServiceToken
	config       TreeConfig
}

func newServiceTree(name string, config TreeConfig, logger logging.Logger) *serviceTree {
	defaults := DefaultTreeConfig()
	if config.FailureThreshold == 0 {
		config.FailureThreshold = defaults.FailureThreshold
	}
	if config.FailureDecay == 0 {
		config.FailureDecay = defaults.FailureDecay
	}
	if config.FailureBackoff == 0 {
		config.FailureBackoff = defaults.FailureBackoff
	}
	if config.ShutdownTimeout == 0 {
		config.ShutdownTimeout = defaults.ShutdownTimeout
	}

	rootSpec := suture.Spec{
		EventHook:        eventHook(logger),
		FailureThreshold: config.FailureThreshold,
		FailureDecay:     config.FailureDecay,
		FailureBackoff:   config.FailureBackoff,
		Timeout:          config.ShutdownTimeout,
	}
	childSpec := suture.Spec{
		FailureThreshold: config.FailureThreshold,
		FailureDecay:     config.FailureDecay,
		FailureBackoff:   config.FailureBackoff,
		Timeout:          config.ShutdownTimeout,
	}

	tree := &serviceTree{
		root:      suture.New(name, rootSpec),
		messaging: suture.New("messaging-layer", childSpec),
		control:   suture.New("control-layer", childSpec),
		config:    config,
	}
	tree.root.Add(tree.messaging)
	tree.controlToken = tree.root.Add(tree.control)
	return tree
}

func (t *serviceTree) AddMessagingService(svc suture.Service) suture.ServiceToken {
	return t.messaging.Add(svc)
}

func (t *serviceTree) AddControlService(svc suture.Service) suture.ServiceToken {
	return t.control.Add(svc)
}

func (t *serviceTree) ServeBackground(ctx context.Context) <-chan error {
	return t.root.ServeBackground(ctx)
}

// StopControl stops the control layer and waits for it
func (t *serviceTree) StopControl() error {
	return t.root.RemoveAndWait(t.controlToken, t.config.ShutdownTimeout)
}

func (t *serviceTree) UnstoppedServiceReport() ([]suture.UnstoppedService, error) {
	return t.root.UnstoppedServiceReport()
}

// eventHook logs tree events through the supervisor logger
func eventHook(logger logging.Logger) suture.EventHook {
	return func(event suture.Event) {
		switch event.Type() {
		case suture.EventTypeServicePanic, suture.EventTypeStopTimeout:
			logger.Errorf("Service tree: %s", event)
		case suture.EventTypeServiceTerminate, suture.EventTypeBackoff:
			logger.Warnf("Service tree: %s", event)
		default:
			logger.Infof("Service tree: %s", event)
		}
	}
}
