package supervisor

import (
	"context"
	"time"

	"github.com/pironjulien/trinity-hackathon-sub001/pkg/domain"
	"github.com/pironjulien/trinity-hackathon-sub001/pkg/workers/processcontrol"
)

// controllerContract serves domain.Contract from the process controller
type controllerContract struct {
	controller processcontrol.ProcessControl
}

func newControllerContract(controller processcontrol.ProcessControl) domain.Contract {
	return &controllerContract{controller: controller}
}

func (c *controllerContract) Start(ctx context.Context) (domain.WorkerStatus, error) {
	err := c.controller.Start(ctx)
	return workerStatus(c.controller.Status()), err
}

func (c *controllerContract) Stop(ctx context.Context, gracefulTimeout time.Duration) (domain.WorkerStatus, error) {
	err := c.controller.Stop(ctx, gracefulTimeout)
	return workerStatus(c.controller.Status()), err
}

func (c *controllerContract) Status(ctx context.Context) (domain.WorkerStatus, error) {
	return workerStatus(c.controller.Status()), nil
}

func workerStatus(p processcontrol.ManagedProcess) domain.WorkerStatus {
	return domain.WorkerStatus{
		State:              string(p.State),
		PID:                p.PID,
		Name:               p.Name,
		Desired:            string(p.Desired),
		Adopted:            p.Adopted,
		StartedAt:          p.StartedAt,
		ConsecutiveCrashes: p.ConsecutiveCrashes,
		LastExitReason:     p.LastExitReason,
	}
}
