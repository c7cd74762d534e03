package pipeline

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/Iron-Ham/relay/internal/coordination"
	"github.com/Iron-Ham/relay/internal/errors"
	"github.com/Iron-Ham/relay/internal/event"
	"github.com/Iron-Ham/relay/internal/logging"
	"github.com/Iron-Ham/relay/internal/prompt"
	"github.com/Iron-Ham/relay/internal/spawn"
	"github.com/Iron-Ham/relay/internal/task"
)

// Dispatcher starts a pending task right away, ignoring the concurrency
// cap. *queue.Processor satisfies it.
type Dispatcher interface {
	DispatchNow(ctx context.Context, id string) (*task.Task, error)
}

// errUnchanged aborts a coordination update that has nothing to write.
var errUnchanged = errors.New("pipeline: unchanged")

// Manager creates pipelines and advances them as their children settle.
// It is safe for concurrent use and holds no per-pipeline state.
type Manager struct {
	tasks      *task.Manager
	dispatcher Dispatcher
	bus        *event.Bus
	logger     *logging.Logger
	stopper    spawn.Stopper
	maxAgents  int
}

// NewManager creates a Manager.
func NewManager(tasks *task.Manager, dispatcher Dispatcher, opts ...Option) *Manager {
	m := &Manager{
		tasks:      tasks,
		dispatcher: dispatcher,
		logger:     logging.NopLogger(),
		maxAgents:  DefaultMaxAgentsPerStep,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.WithComponent("pipeline")
	return m
}

// CreatePipeline validates req, creates the tracker and its coordination
// document and spawns the agents of the first step.
func (m *Manager) CreatePipeline(ctx context.Context, req Request) (*task.Task, error) {
	cfg, err := req.Config.Normalize(m.maxAgents)
	if err != nil {
		return nil, err
	}
	title := strings.TrimSpace(req.Title)
	if title == "" {
		title = cfg.Name
	}
	if title == "" {
		return nil, errors.NewConfigError("pipeline title is required").WithField("title")
	}
	projectDir, err := coordination.ResolveProjectDir(req.ProjectDir)
	if err != nil {
		return nil, err
	}
	description := req.Description
	if description == "" {
		description = cfg.Description
	}

	tracker, err := m.tasks.Create(ctx, task.NewTask{
		ProjectID:      req.ProjectID,
		ProjectDir:     projectDir,
		Title:          title,
		Description:    description,
		Kind:           task.KindPipeline,
		Priority:       req.Priority,
		MaxRetries:     req.MaxRetries,
		TimeoutMinutes: req.TimeoutMinutes,
		Start:          true,
	})
	if err != nil {
		return nil, err
	}
	log := m.logger.WithPipeline(tracker.ID)

	contextFile := coordination.Path(projectDir, tracker.ID)
	tracker, err = m.tasks.Mutate(ctx, tracker.ID, func(t *task.Task, now time.Time) error {
		t.ContextFile = contextFile
		return task.Apply(t, task.EventDispatch, now, "pipeline started")
	})
	if err != nil {
		return nil, err
	}

	st := &coordination.State{
		ID:        tracker.ID,
		Kind:      coordination.KindPipeline,
		Title:     title,
		Steps:     cfg.coordinationSteps(),
		CreatedAt: m.tasks.Now().UTC(),
	}
	if err := m.document(tracker).Create(ctx, st); err != nil {
		m.abort(ctx, tracker.ID, err)
		return nil, err
	}
	log.Info("pipeline created", "steps", len(cfg.Steps), "context_file", contextFile)
	m.bus.Publish(event.NewPipelineStepChangedEvent(tracker.ID, st.Steps[0].ID, 0, string(coordination.StepRunning)))

	if _, err := m.SpawnStepAgents(ctx, tracker.ID, 0); err != nil {
		m.abort(ctx, tracker.ID, err)
		return nil, err
	}
	return m.tasks.Get(context.WithoutCancel(ctx), tracker.ID)
}

// SpawnStepAgents creates and dispatches the agents of step stepIndex.
//
// Agent ids are registered in the coordination document first, and only if
// the step has none yet, so concurrent callers spawn one set of agents.
// Registered agents whose task records are missing are created again,
// which lets an interrupted spawn be finished later. Only newly created
// children are returned.
func (m *Manager) SpawnStepAgents(ctx context.Context, parentID string, stepIndex int) ([]*task.Task, error) {
	tracker, err := m.tracker(ctx, parentID)
	if err != nil {
		return nil, err
	}
	if tracker.Status.IsTerminal() {
		return nil, errors.NewInvalidStateError(parentID, string(tracker.Status), "spawn step agents for")
	}
	doc := m.document(tracker)

	st, err := doc.Update(ctx, func(s *coordination.State) error {
		if stepIndex < 0 || stepIndex >= len(s.Steps) {
			return errors.Wrapf(errors.ErrInvalidInput, "step index %d out of range", stepIndex)
		}
		step := &s.Steps[stepIndex]
		if step.Status != coordination.StepRunning {
			return fmt.Errorf("%w: step %s is %s", errors.ErrInvalidTransition, step.ID, step.Status)
		}
		if len(step.Agents) > 0 {
			return errUnchanged
		}
		ids := make([]string, step.Count)
		for i := range ids {
			ids[i] = agentID(parentID, step.ID, i)
		}
		return s.AddAgents(step.ID, ids...)
	})
	if errors.Is(err, errUnchanged) {
		st, err = doc.Load()
	}
	if err != nil {
		return nil, err
	}
	step := st.Steps[stepIndex]

	var created []*task.Task
	for i, id := range step.Agents {
		_, err := m.tasks.Get(ctx, id)
		if err == nil {
			continue
		}
		if !errors.IsNotFound(err) {
			return created, err
		}
		child, err := m.tasks.Create(ctx, m.childTask(tracker, doc.Path(), step, stepIndex, i, id))
		if err != nil {
			if errors.Is(err, errors.ErrDuplicateID) {
				continue
			}
			return created, err
		}
		created = append(created, child)
	}

	log := m.logger.WithPipeline(parentID)
	log.Info("step agents spawned", "step", step.ID, "created", len(created), "count", step.Count)
	for _, child := range created {
		if _, err := m.dispatcher.DispatchNow(ctx, child.ID); err != nil {
			// The child stays pending and the queue admits it later.
			log.Warn("immediate dispatch failed", "task_id", child.ID, "error", err)
		}
	}
	return created, nil
}

func (m *Manager) childTask(tracker *task.Task, contextFile string, step coordination.Step, stepIndex, agent int, id string) task.NewTask {
	instructions := step.Instructions
	if instructions == "" {
		instructions = tracker.Description
	}
	reminder := prompt.StepReminder(step.Name, agent+1, step.Count)
	description := reminder
	if instructions != "" {
		description = instructions + "\n\n" + reminder
	}

	maxRetries := tracker.MaxRetries
	return task.NewTask{
		ID:             id,
		ProjectID:      tracker.ProjectID,
		ProjectDir:     tracker.ProjectDir,
		Title:          fmt.Sprintf("%s: %s (%d/%d)", tracker.Title, step.Name, agent+1, step.Count),
		Description:    description,
		Kind:           task.KindTask,
		Priority:       tracker.Priority,
		MaxRetries:     &maxRetries,
		TimeoutMinutes: tracker.TimeoutMinutes,
		ParentTaskID:   tracker.ID,
		StepID:         step.ID,
		StepIndex:      stepIndex,
		OutputFiles:    step.OutputFiles,
		ContextFile:    contextFile,
		Start:          true,
	}
}

// stepDecision is what a completion check changed.
type stepDecision int

const (
	stepUnchanged stepDecision = iota
	stepFailed
	stepAdvanced
	stepFinished
)

// CheckStepCompletion re-evaluates one step from the state of its
// children and returns the step's status afterwards. It is idempotent:
// only a running step can change, and the change is made inside the
// coordination document's critical section, so concurrent checks settle
// a step exactly once.
//
// A permanently failed or cancelled child fails the step and the
// pipeline. When every agent has completed, the step completes and either
// the next step is spawned or, after the last step, the tracker completes.
func (m *Manager) CheckStepCompletion(ctx context.Context, parentID, stepID string) (coordination.StepStatus, error) {
	tracker, err := m.tracker(ctx, parentID)
	if err != nil {
		return "", err
	}
	doc := m.document(tracker)
	if tracker.Status.IsTerminal() {
		st, err := doc.Load()
		if err != nil {
			return "", err
		}
		step, _, err := st.Step(stepID)
		if err != nil {
			return "", err
		}
		return step.Status, nil
	}

	var (
		decision stepDecision
		index    int
		children = -1
	)
	st, err := doc.Update(ctx, func(s *coordination.State) error {
		step, i, err := s.Step(stepID)
		if err != nil {
			return err
		}
		index = i
		decision = stepUnchanged
		if step.Status != coordination.StepRunning {
			return errUnchanged
		}
		kids, err := m.tasks.List(ctx, task.Filter{ParentTaskID: parentID, StepID: stepID})
		if err != nil {
			return err
		}
		children = len(kids)

		var completed []*task.Task
		for _, k := range kids {
			switch k.Status {
			case task.StatusCompleted:
				completed = append(completed, k)
			case task.StatusFailed, task.StatusCancelled:
				if err := s.SetStepStatus(stepID, coordination.StepFailed); err != nil {
					return err
				}
				step.Summary = failureSummary(k)
				decision = stepFailed
				return nil
			}
		}
		if len(completed) < step.Count {
			return errUnchanged
		}

		for _, k := range completed {
			if k.Result != "" {
				if err := s.AddOutput(stepID, fmt.Sprintf("%s: %s", k.ID, k.Result)); err != nil {
					return err
				}
			}
		}
		if err := s.SetStepStatus(stepID, coordination.StepCompleted); err != nil {
			return err
		}
		step.Summary = fmt.Sprintf("%d/%d agents completed", len(completed), step.Count)
		if i == len(s.Steps)-1 {
			decision = stepFinished
			return nil
		}
		if err := s.AdvanceTo(i + 1); err != nil {
			return err
		}
		decision = stepAdvanced
		return s.SetStepStatus(s.Steps[i+1].ID, coordination.StepRunning)
	})
	if errors.Is(err, errUnchanged) {
		st, err = doc.Load()
	}
	if err != nil {
		return "", err
	}

	log := m.logger.WithPipeline(parentID)
	switch decision {
	case stepFailed:
		log.Warn("pipeline step failed", "step", stepID, "summary", st.Steps[index].Summary)
		m.bus.Publish(event.NewPipelineStepChangedEvent(parentID, stepID, index, string(coordination.StepFailed)))
	case stepAdvanced:
		next := st.Steps[index+1]
		log.Info("pipeline advanced", "completed_step", stepID, "next_step", next.ID)
		m.bus.Publish(event.NewPipelineStepChangedEvent(parentID, stepID, index, string(coordination.StepCompleted)))
		m.bus.Publish(event.NewPipelineStepChangedEvent(parentID, next.ID, index+1, string(coordination.StepRunning)))
	case stepFinished:
		log.Info("pipeline steps completed", "steps", len(st.Steps))
		m.bus.Publish(event.NewPipelineStepChangedEvent(parentID, stepID, index, string(coordination.StepCompleted)))
	}

	if err := m.reconcile(ctx, tracker, st, children); err != nil {
		return st.Steps[index].Status, err
	}
	return st.Steps[index].Status, nil
}

// reconcile brings the tracker and the current step's children in line
// with the coordination document. Every branch is idempotent, so it also
// repairs pipelines interrupted between a document write and the task
// writes that follow it. children is the number of child tasks found for
// the checked step, or -1 when they were not listed.
func (m *Manager) reconcile(ctx context.Context, tracker *task.Task, st *coordination.State, children int) error {
	cur := st.Current()
	switch {
	case cur.Status == coordination.StepFailed:
		return m.failTracker(ctx, tracker, st, cur)
	case cur.Status == coordination.StepCompleted && st.CurrentStep == len(st.Steps)-1:
		return m.completeTracker(ctx, tracker, st)
	case cur.Status == coordination.StepRunning && (len(cur.Agents) < cur.Count || children >= 0 && children < cur.Count):
		_, err := m.SpawnStepAgents(ctx, tracker.ID, st.CurrentStep)
		return err
	}
	return nil
}

func (m *Manager) failTracker(ctx context.Context, tracker *task.Task, st *coordination.State, step *coordination.Step) error {
	cause := errors.NewStepFailure(tracker.ID, step.ID, errors.New(step.Summary))
	if id := failedAgent(step.Summary); id != "" {
		cause = cause.WithTaskID(id)
	}
	if _, err := m.tasks.Fail(ctx, tracker.ID, cause); err != nil {
		if errors.IsInvalidState(err) {
			return nil
		}
		return err
	}
	m.haltChildren(ctx, tracker.ID, "pipeline step "+step.ID+" failed")
	m.logger.WithPipeline(tracker.ID).Error("pipeline failed", "step", step.ID, "error", cause)
	m.bus.Publish(event.NewPipelineFinishedEvent(tracker.ID, false, cause.Error()))
	return nil
}

func (m *Manager) completeTracker(ctx context.Context, tracker *task.Task, st *coordination.State) error {
	kids, err := m.tasks.List(ctx, task.Filter{ParentTaskID: tracker.ID})
	if err != nil {
		return err
	}
	var artifacts []string
	for _, k := range kids {
		artifacts = append(artifacts, k.Artifacts...)
	}
	result := fmt.Sprintf("Pipeline completed %d steps with %d agents", len(st.Steps), len(kids))
	if _, err := m.tasks.Complete(ctx, tracker.ID, task.Outcome{Result: result, Artifacts: artifacts}); err != nil {
		if errors.IsInvalidState(err) {
			return nil
		}
		return err
	}
	m.logger.WithPipeline(tracker.ID).Info("pipeline completed", "steps", len(st.Steps))
	m.bus.Publish(event.NewPipelineFinishedEvent(tracker.ID, true, ""))
	return nil
}

// CheckTracker re-runs the completion check for the tracker's current
// step. The queue sweep uses it as a backstop for missed child events.
func (m *Manager) CheckTracker(ctx context.Context, tracker *task.Task) error {
	st, err := m.document(tracker).Load()
	if err != nil {
		return err
	}
	_, err = m.CheckStepCompletion(ctx, tracker.ID, st.Current().ID)
	return err
}

// Status reports where a pipeline stands.
func (m *Manager) Status(ctx context.Context, parentID string) (*Status, error) {
	tracker, err := m.tracker(ctx, parentID)
	if err != nil {
		return nil, err
	}
	st, err := m.document(tracker).Load()
	if err != nil {
		return nil, err
	}
	kids, err := m.tasks.List(ctx, task.Filter{ParentTaskID: parentID})
	if err != nil {
		return nil, err
	}
	done := make(map[string]int)
	for _, k := range kids {
		if k.Status == task.StatusCompleted {
			done[k.StepID]++
		}
	}

	cur := st.Current()
	out := &Status{
		PipelineID:      parentID,
		Step:            st.CurrentStep + 1,
		TotalSteps:      len(st.Steps),
		CurrentStepName: cur.Name,
		Status:          tracker.Status,
		StepStatus:      cur.Status,
	}
	for _, s := range st.Steps {
		out.Steps = append(out.Steps, StepProgress{
			ID:        s.ID,
			Name:      s.Name,
			Status:    s.Status,
			Agents:    len(s.Agents),
			Completed: done[s.ID],
			Count:     s.Count,
		})
	}
	return out, nil
}

// Cancel cancels the tracker and every unsettled child, and marks the
// running step failed.
func (m *Manager) Cancel(ctx context.Context, parentID, reason string) (*task.Task, error) {
	if reason == "" {
		reason = "pipeline cancelled"
	}
	tracker, err := m.tasks.Cancel(ctx, parentID, reason)
	if err != nil {
		return nil, err
	}
	m.haltChildren(ctx, parentID, reason)

	_, err = m.document(tracker).Update(ctx, func(s *coordination.State) error {
		cur := s.Current()
		if cur.Status != coordination.StepRunning {
			return errUnchanged
		}
		cur.Summary = "cancelled: " + reason
		return s.SetStepStatus(cur.ID, coordination.StepFailed)
	})
	if err != nil && !errors.Is(err, errUnchanged) && !errors.IsNotFound(err) {
		m.logger.WithPipeline(parentID).Warn("could not mark step cancelled", "error", err)
	}
	m.logger.WithPipeline(parentID).Info("pipeline cancelled", "reason", reason)
	m.bus.Publish(event.NewPipelineFinishedEvent(parentID, false, reason))
	return tracker, nil
}

// haltChildren cancels every unsettled child and stops its worker.
func (m *Manager) haltChildren(ctx context.Context, parentID, reason string) {
	kids, err := m.tasks.List(ctx, task.Filter{ParentTaskID: parentID})
	if err != nil {
		m.logger.WithPipeline(parentID).Warn("list children failed", "error", err)
		return
	}
	for _, k := range kids {
		if k.Status.IsTerminal() {
			continue
		}
		if _, err := m.tasks.Cancel(ctx, k.ID, reason); err != nil && !errors.IsInvalidState(err) {
			m.logger.WithTask(k.ID).Warn("cancel child failed", "error", err)
			continue
		}
		if m.stopper != nil && !k.Handle.IsZero() {
			if err := m.stopper.Stop(k.Handle); err != nil {
				m.logger.WithTask(k.ID).Warn("stop worker failed", "error", err)
			}
		}
	}
}

func (m *Manager) abort(ctx context.Context, id string, cause error) {
	if _, err := m.tasks.Fail(context.WithoutCancel(ctx), id, cause); err != nil {
		m.logger.WithPipeline(id).Warn("could not fail pipeline tracker", "error", err)
	}
}

func (m *Manager) tracker(ctx context.Context, id string) (*task.Task, error) {
	t, err := m.tasks.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if t.Kind != task.KindPipeline {
		return nil, errors.NewNotFoundError("pipeline", id)
	}
	return t, nil
}

func (m *Manager) document(tracker *task.Task) *coordination.Document {
	path := tracker.ContextFile
	if path == "" {
		path = coordination.Path(tracker.ProjectDir, tracker.ID)
	}
	return coordination.Open(path, coordination.WithClock(m.tasks.Now))
}

// agentID derives a child id from its position, so a repeated spawn of the
// same step collides with the first instead of duplicating it.
func agentID(parentID, stepID string, i int) string {
	return fmt.Sprintf("%s-%s-%d", parentID, stepID, i+1)
}

func failureSummary(t *task.Task) string {
	msg := t.Error
	if msg == "" {
		msg = "no error recorded"
	}
	return fmt.Sprintf("agent %s %s: %s", t.ID, t.Status, msg)
}

// failedAgent extracts the task id from a failureSummary.
func failedAgent(summary string) string {
	rest, ok := strings.CutPrefix(summary, "agent ")
	if !ok {
		return ""
	}
	id, _, _ := strings.Cut(rest, " ")
	return id
}
