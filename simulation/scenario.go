package simulation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"schelling-model/model"
	"schelling-model/utils"

	"github.com/google/uuid"
	"github.com/schollz/progressbar/v3"
)

type Scenario struct {
	dir        string
	metadata   *ScenarioMetadata
	model      *model.SchellingModel
	serializer *SimulationSerializer
	db         *StateDB
	logger     *slog.Logger
}

// NewScenario prepares a scenario under dir. An unnamed scenario gets a
// random unique name.
func NewScenario(dir string, metadata *ScenarioMetadata) *Scenario {
	if metadata.UniqueName == "" {
		metadata.UniqueName = uuid.NewString()
	}
	return &Scenario{
		dir:        dir,
		metadata:   metadata,
		serializer: NewSimulationSerializer(dir, metadata.UniqueName, metadata.MaxSnapshotCount),
		logger:     slog.Default().With("scenario", metadata.UniqueName),
	}
}

const stateDBName = "state.db"

func (s *Scenario) scenarioDir() string {
	return filepath.Join(s.dir, s.metadata.UniqueName)
}

func (s *Scenario) openDB() error {
	if s.db != nil {
		return nil
	}
	if err := os.MkdirAll(s.scenarioDir(), 0755); err != nil {
		return fmt.Errorf("failed to create scenario folder: %w", err)
	}
	db, err := OpenStateDB(filepath.Join(s.scenarioDir(), stateDBName))
	if err != nil {
		return err
	}
	s.db = db
	return nil
}

// Init builds a fresh model and writes its initial state.
func (s *Scenario) Init() error {
	if err := s.metadata.Validate(); err != nil {
		return err
	}

	m, err := model.NewSchellingModel(&s.metadata.SchellingModelParams, s.logEvent)
	if err != nil {
		return err
	}
	s.model = m

	if err := s.openDB(); err != nil {
		return err
	}

	// persist the drawn seed so the run can be replayed
	s.metadata.Seed = &m.Seed
	if err := s.serializer.SaveMetadata(s.metadata); err != nil {
		return fmt.Errorf("failed to save metadata: %w", err)
	}

	s.logger.Info("scenario initialized",
		"width", m.Params.Width,
		"height", m.Params.Height,
		"agents", m.AgentCount(),
		"threshold", m.Params.Threshold,
		"seed", m.Seed,
	)
	return s.Dump()
}

// Load restores the model from the latest snapshot. It returns false when
// there is nothing to restore.
func (s *Scenario) Load() (bool, error) {
	modelDump, err := s.serializer.GetLatestSnapshot()
	if err != nil {
		return false, fmt.Errorf("failed to load model dump: %w", err)
	}
	if modelDump == nil {
		return false, nil
	}
	if !sameModelParams(&modelDump.Params, &s.metadata.SchellingModelParams) {
		return false, &model.ConfigurationError{
			Field:  "params",
			Reason: fmt.Sprintf("snapshot holds %v, got %v", modelDump.Params.ToMap(), s.metadata.ToMap()),
		}
	}

	m, err := modelDump.Load(s.logEvent)
	if err != nil {
		return false, fmt.Errorf("failed to restore model: %w", err)
	}
	if s.metadata.VerifyInvariants {
		if err := m.Verify(); err != nil {
			return false, err
		}
	}
	s.model = m

	if err := s.openDB(); err != nil {
		return false, err
	}

	s.logger.Info("scenario restored", "step", m.CurStep, "agents", m.AgentCount(), "seed", m.Seed)
	return true, nil
}

// Dump writes the current state: the snapshot file and the state DB.
func (s *Scenario) Dump() error {
	dump, err := s.model.Dump()
	if err != nil {
		return err
	}
	if err := s.serializer.SaveSnapshot(dump); err != nil {
		return fmt.Errorf("failed to save snapshot: %w", err)
	}
	if err := s.db.SaveState(s.model); err != nil {
		return fmt.Errorf("failed to save state db: %w", err)
	}
	s.logger.Debug("checkpoint saved", "step", dump.CurStep)
	return nil
}

func (s *Scenario) Model() *model.SchellingModel {
	return s.model
}

func (s *Scenario) Metrics() (*utils.SegregationStats, error) {
	return utils.ComputeSegregationStats(s.model.Snapshot(), &s.model.Params)
}

func (s *Scenario) Step() (int, error) {
	moved, err := s.model.Step()
	if err != nil {
		return moved, err
	}

	if s.metadata.VerifyInvariants {
		if err := s.model.Verify(); err != nil {
			return moved, err
		}
	}

	if n := s.metadata.MetricsInterval; n > 0 && s.model.CurStep%n == 0 {
		s.logMetrics(moved)
	}
	return moved, nil
}

func (s *Scenario) logMetrics(moved int) {
	stats, err := s.Metrics()
	if err != nil {
		s.logger.Warn("failed to compute metrics", "error", err)
		return
	}
	s.logger.Info("metrics",
		"step", s.model.CurStep,
		"relocations", moved,
		"similarity", fmt.Sprintf("%.4f", stats.Similarity),
		"satisfied", fmt.Sprintf("%.4f", stats.SatisfiedShare),
		"clusters", stats.Clusters,
	)
}

func (s *Scenario) IsFinished() bool {
	finished, err := s.serializer.IsFinished()
	if err != nil {
		s.logger.Warn("failed to read finished mark", "error", err)
	}
	return finished
}

// StepTillEnd runs ticks until the step limit or convergence, saving at a
// fixed interval. Cancellation is only observed between ticks; the state
// is saved before returning ctx.Err().
func (s *Scenario) StepTillEnd(ctx context.Context) error {

	// if finished, jump this simulation
	if s.IsFinished() {
		s.logger.Info("scenario already finished")
		return nil
	}

	maxStep := s.metadata.MaxSimulationStep
	var bar *progressbar.ProgressBar
	if s.metadata.ShowProgress {
		bar = progressbar.Default(int64(maxStep))
	} else {
		bar = progressbar.DefaultSilent(int64(maxStep))
	}
	bar.Set(s.model.CurStep)

	lastSaveTime := time.Now()
	successiveStill := 0
	converged := false

	for s.model.CurStep < maxStep {

		select {
		case <-ctx.Done():
			if err := s.Dump(); err != nil {
				return errors.Join(ctx.Err(), err)
			}
			s.logger.Info("scenario interrupted", "step", s.model.CurStep)
			return ctx.Err()
		default:
		}

		moved, err := s.Step()
		if err != nil {
			return err
		}
		bar.Set(s.model.CurStep)

		// no relocation means every agent is satisfied
		if moved == 0 {
			successiveStill++
		} else {
			successiveStill = 0
		}
		if s.metadata.StopSteps > 0 && successiveStill >= s.metadata.StopSteps {
			converged = true
			break
		}

		// save at fixed interval
		if s.metadata.SaveInterval > 0 && time.Since(lastSaveTime) >= time.Duration(s.metadata.SaveInterval)*time.Second {
			lastSaveTime = time.Now()
			if err := s.Dump(); err != nil {
				return err
			}
		}
	}
	bar.Finish()

	s.logger.Info("scenario finished", "step", s.model.CurStep, "converged", converged)
	s.logMetrics(0)

	// finally save everything
	if err := s.Dump(); err != nil {
		return err
	}
	return s.serializer.MarkFinished(s.model.CurStep)
}

// Close releases the state DB.
func (s *Scenario) Close() error {
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

func (s *Scenario) logEvent(event *model.EventRecord) {
	if !s.logger.Enabled(context.Background(), slog.LevelDebug) {
		return
	}
	switch event.Type {
	case model.EventRelocation:
		body, ok := event.Body.(model.RelocationEventBody)
		if !ok {
			s.logger.Warn("unexpected relocation event body", "agent", event.AgentID, "body", event.Body)
			return
		}
		s.logger.Debug("relocation",
			"step", event.Step,
			"agent", event.AgentID,
			"type", body.AgentType.String(),
			"from", body.From.String(),
			"to", body.To.String(),
		)
	}
}
