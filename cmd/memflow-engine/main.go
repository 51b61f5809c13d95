// Command memflow-engine runs the engine-role Router loop: it consumes
// ENGINE-stream messages (workflow start/resume/signal events) and
// evaluates each through engine.Engine, over an in-process store
// (store/memory) and bus (stream/memory).
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/hotmeshio/memflow/activity"
	"github.com/hotmeshio/memflow/client"
	"github.com/hotmeshio/memflow/engine"
	"github.com/hotmeshio/memflow/journal"
	"github.com/hotmeshio/memflow/router"
	"github.com/hotmeshio/memflow/scheduler"
	"github.com/hotmeshio/memflow/store"
	"github.com/hotmeshio/memflow/store/memory"
	"github.com/hotmeshio/memflow/stream"
	streammemory "github.com/hotmeshio/memflow/stream/memory"
	"github.com/hotmeshio/memflow/telemetry"
)

// workflowNameField is the hmark attribute a job row carries so a later
// resumption envelope — activity result, scheduler timer/signal fire, child
// result — can look up which registered WorkflowFunc to re-invoke, since
// none of those envelope shapes carry workflowName themselves.
const workflowNameField = "hmark:workflowName"

// registry maps workflowName to its WorkflowFunc. A production deployment
// registers every workflow a deployment hosts here at startup; this entry
// point ships empty and is meant to be imported/extended by a caller's
// main package, mirroring the teacher's worker-registration pattern.
var registry = map[string]engine.WorkflowFunc{}

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "memflow-engine:", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	logger := telemetry.NoopLogger{}
	st := memory.New()
	bus := streammemory.New()
	st.Publisher = func(ctx context.Context, streamName string, body []byte) error {
		_, err := bus.Publish(ctx, streamName, [][]byte{body}, stream.PublishOptions{})
		return err
	}

	consumerName, err := uuid.NewRandom()
	if err != nil {
		return fmt.Errorf("generate consumer name: %w", err)
	}

	eng := engine.New()

	r := router.New(bus, engineHandler(eng, st, bus, logger), router.Options{
		Stream:             "engine:",
		Group:              stream.GroupEngine,
		ConsumerName:       "engine-" + consumerName.String(),
		BatchSize:          10,
		ReservationTimeout: 30 * time.Second,
		Logger:             logger,
	})

	logger.Info(ctx, "memflow-engine starting")
	return r.Run(ctx)
}

// engineHandler decodes a start/resume stream message into the job it
// addresses, applies whatever resumption it carries (activity result,
// scheduler timer/signal fire, child workflow result), and runs one Engine
// step against the registered workflow at the envelope's dimension.
func engineHandler(eng *engine.Engine, st store.Store, bus stream.Bus, logger telemetry.Logger) router.Handler {
	return func(ctx context.Context, msg stream.Message) error {
		env, ok := decodeEnvelope(msg)
		if !ok {
			logger.Warn(ctx, "memflow-engine: undecodable message, dropping", "id", msg.ID)
			return nil
		}
		key := store.JobKey{Namespace: "default", AppID: "default", JobID: env.workflowID}

		workflowName := env.workflowName
		switch env.kind {
		case envelopeStart:
			if err := st.HSet(ctx, key, workflowNameField, workflowName, store.AttrHmark); err != nil {
				return fmt.Errorf("memflow-engine: persist workflow name: %w", err)
			}
		case envelopeActivityResult:
			name, err := lookupWorkflowName(ctx, st, key)
			if err != nil {
				return err
			}
			workflowName = name
			jrnl := journal.New(st, key)
			proxy := activity.New(activity.Options{TaskQueue: "default", Logger: logger}, jrnl, st, bus, key)
			if err := proxy.Resume(ctx, env.activityResult); err != nil {
				return fmt.Errorf("memflow-engine: resume activity: %w", err)
			}
		case envelopeSchedulerResume:
			name, err := lookupWorkflowName(ctx, st, key)
			if err != nil {
				return err
			}
			workflowName = name
			// scheduler.Tick/Signal already appended the journal entry that
			// unparks the sleep/wait before publishing this message; Run
			// picks it up via replay at env.dimension.
		case envelopeChildResult:
			name, err := lookupWorkflowName(ctx, st, key)
			if err != nil {
				return err
			}
			workflowName = name
			if err := engine.ResumeChild(ctx, st, key, env.childResult); err != nil {
				return fmt.Errorf("memflow-engine: resume child: %w", err)
			}
		}

		fn, ok := registry[workflowName]
		if !ok {
			logger.Warn(ctx, "memflow-engine: unknown workflow, dropping", "workflowName", workflowName)
			return nil
		}
		_, err := eng.Run(ctx, engine.Step{
			Key:          key,
			Fn:           fn,
			Store:        st,
			Bus:          bus,
			ActivityOpts: activity.Options{TaskQueue: "default", Logger: logger},
			Logger:       logger,
			Dimension:    env.dimension,
		})
		return err
	}
}

func lookupWorkflowName(ctx context.Context, st store.Store, key store.JobKey) (string, error) {
	raw, _, ok, err := st.HGet(ctx, key, workflowNameField)
	if err != nil {
		return "", fmt.Errorf("memflow-engine: lookup workflow name: %w", err)
	}
	if !ok {
		return "", fmt.Errorf("memflow-engine: no workflow name recorded for job %s", key.JobID)
	}
	return raw, nil
}

// envelopeKind classifies which of the four shapes published onto a job's
// ENGINE stream (workflowId+":") a message carries.
type envelopeKind int

const (
	envelopeUnknown envelopeKind = iota
	envelopeStart
	envelopeActivityResult
	envelopeSchedulerResume
	envelopeChildResult
)

// envelope is the decoded, classified form of one ENGINE-stream message.
type envelope struct {
	kind           envelopeKind
	workflowID     string
	workflowName   string
	dimension      journal.Dimension
	activityResult activity.Result
	childResult    engine.ChildResult
}

// decodeEnvelope classifies msg by the structural presence of
// discriminating JSON fields, since client.StartMessage, activity.Result,
// scheduler.ResumeMessage and engine.ChildResult are published onto the
// same stream and none of them carries an explicit envelope-kind tag
// shared across all four. The addressed workflow id is read from the
// payload's workflowId for starts, scheduler resumes and activity results;
// engine.ChildResult carries no workflowId field, so for it the id is read
// from the stream name (the parent's "<workflowId>:" ENGINE stream).
func decodeEnvelope(msg stream.Message) (envelope, bool) {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(msg.Body, &probe); err != nil {
		return envelope{}, false
	}
	workflowID := strings.TrimSuffix(msg.Stream, ":")

	switch {
	case has(probe, "workflowName"):
		var start client.StartMessage
		if err := json.Unmarshal(msg.Body, &start); err != nil {
			return envelope{}, false
		}
		return envelope{kind: envelopeStart, workflowID: start.WorkflowID, workflowName: start.WorkflowName}, true

	case has(probe, "kind"):
		var resume scheduler.ResumeMessage
		if err := json.Unmarshal(msg.Body, &resume); err != nil {
			return envelope{}, false
		}
		if resume.Kind != "sleep" && resume.Kind != "signal" {
			return envelope{}, false
		}
		return envelope{kind: envelopeSchedulerResume, workflowID: resume.WorkflowID, dimension: journal.Dimension(resume.Dimension)}, true

	case has(probe, "childWorkflowId"):
		var res engine.ChildResult
		if err := json.Unmarshal(msg.Body, &res); err != nil {
			return envelope{}, false
		}
		return envelope{kind: envelopeChildResult, workflowID: workflowID, dimension: journal.Dimension(res.ParentDimension), childResult: res}, true

	case has(probe, "attempt"):
		var res activity.Result
		if err := json.Unmarshal(msg.Body, &res); err != nil {
			return envelope{}, false
		}
		return envelope{kind: envelopeActivityResult, workflowID: res.WorkflowID, dimension: journal.Dimension(res.Dimension), activityResult: res}, true

	default:
		return envelope{}, false
	}
}

func has(m map[string]json.RawMessage, key string) bool {
	_, ok := m[key]
	return ok
}
