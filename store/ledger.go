package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/juju/errors"

	"github.com/v-shavyaa/metaflow/utils"
)

const deploymentPrefix = "/deployments/"

/**
 * Deployment is one ledger record: a manifest that was submitted or
 * published, remembered so `history` can answer what ran where. Keys
 * are time ordered, so listing a flow walks its deployments oldest
 * first.
 */
type Deployment struct {
	ID        string
	Flow      string
	Name      string
	Kind      string
	Namespace string
	SHA       string
	RunName   string
	CreatedAt time.Time
}

type Ledger struct {
	s Store
}

func NewLedger(s Store) *Ledger {
	return &Ledger{s: s}
}

func (l *Ledger) Record(ctx context.Context, d *Deployment) error {
	if d.Flow == "" {
		return errors.BadRequestf("deployment flow is empty")
	}
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now().UTC()
	}

	value, err := utils.Serialize(d)
	if err != nil {
		return errors.Trace(err)
	}
	key := fmt.Sprintf("%d/%s", d.CreatedAt.UnixNano(), d.ID)
	return errors.Trace(l.s.Set(ctx, deploymentPrefix+d.Flow, key, value))
}

func (l *Ledger) List(ctx context.Context, flow string) ([]*Deployment, error) {
	deployments := make([]*Deployment, 0)
	var iterErr error
	err := l.s.List(ctx, deploymentPrefix+flow, func(key string, value []byte) bool {
		d := &Deployment{}
		if iterErr = utils.Unserialize(value, d); iterErr != nil {
			iterErr = errors.Annotatef(iterErr, "deployment record %s", key)
			return false
		}
		deployments = append(deployments, d)
		return true
	})
	if err != nil {
		return nil, errors.Trace(err)
	}
	if iterErr != nil {
		return nil, errors.Trace(iterErr)
	}
	return deployments, nil
}

func (l *Ledger) Close() error {
	return l.s.Close()
}
