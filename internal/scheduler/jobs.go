package scheduler

import (
	"github.com/rs/zerolog"

	"github.com/atlasalgo/portfolio-engine/internal/modules/portfolio"
)

// SnapshotJob records a metrics snapshot for every registered
// portfolio, building the equity time series the analytics run on.
type SnapshotJob struct {
	service *portfolio.Service
	log     zerolog.Logger
}

// NewSnapshotJob creates the periodic snapshot job
func NewSnapshotJob(service *portfolio.Service, log zerolog.Logger) *SnapshotJob {
	return &SnapshotJob{
		service: service,
		log:     log.With().Str("job", "portfolio_snapshots").Logger(),
	}
}

// Name returns the job name
func (j *SnapshotJob) Name() string {
	return "portfolio_snapshots"
}

// Run records one snapshot per portfolio
func (j *SnapshotJob) Run() error {
	count := j.service.SnapshotAll()
	j.log.Debug().Int("portfolios", count).Msg("Snapshots recorded")
	return nil
}
