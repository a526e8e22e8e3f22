package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"avatar-pipeline/core/models"
	"avatar-pipeline/core/stages"
)

// orchestrator drives one run through the pipeline state machine:
//
//	INITIALIZED → DETECTING → DETECTED → (REMOVING_BACKGROUND → BG_REMOVED)?
//	→ SYNTHESIZING_VOICE → VOICE_READY → (MIXING_BGM → AUDIO_READY)?
//	→ RENDER_SUBMITTED → RENDER_POLLING → COMPLETED
//
// with a universal transition to FAILED on unrecoverable error or cancellation
type orchestrator struct {
	svc   *Service
	task  *models.Task
	image []byte
}

func (o *orchestrator) execute(ctx context.Context) {
	s := o.svc
	task := o.task
	cfg := task.Config

	s.mu.Lock()
	now := time.Now()
	task.Status = models.TaskStatusRunning
	task.StartedAt = &now
	s.mu.Unlock()
	o.enterStage(models.StageInitialized, nil)

	if _, err := s.store.Write(task.ID, models.TierUpload, "photo.jpg", o.image); err != nil {
		o.fail(err)
		return
	}

	// Detection
	o.enterStage(models.StageDetecting, nil)
	var boxes []stages.BoundingBox
	err := o.withGPU(ctx, s.cfg.DetectionClass, func() error {
		return o.callStage(ctx, func(callCtx context.Context) error {
			found, err := s.adapters.Detector.Detect(callCtx, o.image)
			boxes = found
			return err
		})
	})
	if err != nil {
		o.fail(err)
		return
	}
	if len(boxes) == 0 {
		o.fail(models.NewInputError("no_persons_detected", "no persons detected"))
		return
	}
	if cfg.PersonIndex >= len(boxes) {
		o.fail(models.NewInputError("person_index_out_of_range",
			fmt.Sprintf("person index %d out of range, %d persons detected", cfg.PersonIndex, len(boxes))))
		return
	}
	selected := boxes[cfg.PersonIndex]

	if detections, err := json.Marshal(boxes); err == nil {
		if _, err := s.store.Write(task.ID, models.TierIntermediate, "detections.json", detections); err != nil {
			o.fail(err)
			return
		}
	}
	o.enterStage(models.StageDetected, map[string]interface{}{
		"message": fmt.Sprintf("%d persons detected, person %d selected", len(boxes), cfg.PersonIndex),
		"persons": len(boxes),
	})

	// Background removal (optional)
	subject := o.image
	if cfg.RemoveBackground {
		o.enterStage(models.StageRemovingBG, nil)
		err := o.withGPU(ctx, s.cfg.SegmentationClass, func() error {
			return o.callStage(ctx, func(callCtx context.Context) error {
				stripped, err := s.adapters.Segmenter.RemoveBackground(callCtx, o.image, selected)
				if err == nil {
					subject = stripped
				}
				return err
			})
		})
		if err != nil {
			o.fail(err)
			return
		}
		if _, err := s.store.Write(task.ID, models.TierIntermediate, "subject.png", subject); err != nil {
			o.fail(err)
			return
		}
		o.enterStage(models.StageBGRemoved, nil)
	}

	// Voice synthesis
	o.enterStage(models.StageSynthesizingVoice, nil)
	var voice []byte
	err = o.callStage(ctx, func(callCtx context.Context) error {
		audio, err := s.adapters.Synthesizer.Synthesize(callCtx, cfg.Text, cfg.Voice)
		voice = audio
		return err
	})
	if err != nil {
		o.fail(err)
		return
	}
	if _, err := s.store.Write(task.ID, models.TierIntermediate, "voice.wav", voice); err != nil {
		o.fail(err)
		return
	}
	o.enterStage(models.StageVoiceReady, nil)

	// BGM mix (optional)
	audio := voice
	if cfg.BGM != "" {
		o.enterStage(models.StageMixingBGM, map[string]interface{}{"bgm": cfg.BGM})
		err = o.callStage(ctx, func(callCtx context.Context) error {
			mixed, err := s.adapters.Mixer.Mix(callCtx, voice, cfg.BGM, cfg.BGMVolume)
			if err == nil {
				audio = mixed
			}
			return err
		})
		if err != nil {
			o.fail(err)
			return
		}
		if _, err := s.store.Write(task.ID, models.TierIntermediate, "audio_mix.wav", audio); err != nil {
			o.fail(err)
			return
		}
		o.enterStage(models.StageAudioReady, nil)
	}

	// Remote rendering: upload assets, submit exactly once, poll to done
	var imageURL, audioURL string
	err = o.callStage(ctx, func(callCtx context.Context) error {
		url, err := s.adapters.Render.Upload(callCtx, "subject.png", subject)
		imageURL = url
		return err
	})
	if err != nil {
		o.fail(err)
		return
	}
	err = o.callStage(ctx, func(callCtx context.Context) error {
		url, err := s.adapters.Render.Upload(callCtx, "audio.wav", audio)
		audioURL = url
		return err
	})
	if err != nil {
		o.fail(err)
		return
	}

	var jobID string
	err = o.callStage(ctx, func(callCtx context.Context) error {
		if jobID != "" {
			// Submitted on an earlier attempt; never create a second job
			return nil
		}
		id, err := s.adapters.Render.Submit(callCtx, imageURL, audioURL)
		if err == nil {
			jobID = id
		}
		return err
	})
	if err != nil {
		o.fail(err)
		return
	}
	o.enterStage(models.StageRenderSubmitted, map[string]interface{}{"render_job_id": jobID})

	o.enterStage(models.StageRenderPolling, nil)
	videoURL, err := o.pollRender(ctx, jobID)
	if err != nil {
		o.fail(err)
		return
	}

	result := models.RunResult{
		VideoURL:     videoURL,
		RenderJobID:  jobID,
		PersonsFound: len(boxes),
	}
	resultJSON, _ := json.Marshal(result)
	item, err := s.store.Write(task.ID, models.TierFinal, "result.json", resultJSON)
	if err != nil {
		o.fail(err)
		return
	}
	result.ResultPath = item.Path

	o.complete(result)
}

// pollRender checks the render job status on a fixed interval within an
// overall wall-clock budget. Rate limits and transient errors retry the
// status check only; the job is never resubmitted.
func (o *orchestrator) pollRender(ctx context.Context, jobID string) (string, error) {
	s := o.svc
	deadline := time.Now().Add(s.cfg.RenderBudget)
	backoff := stages.Backoff{Base: s.cfg.RetryBase, Max: s.cfg.RenderPollInterval * 4}

	for {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		if time.Now().After(deadline) {
			return "", models.NewExternalError("render_budget_exceeded",
				fmt.Sprintf("render did not finish within %s", s.cfg.RenderBudget), nil)
		}

		callCtx, cancel := context.WithTimeout(ctx, s.cfg.StageTimeout)
		status, err := s.adapters.Render.Poll(callCtx, jobID)
		cancel()

		wait := s.cfg.RenderPollInterval
		switch {
		case err != nil:
			kind := models.KindOf(err)
			if kind == models.ErrKindInput {
				return "", err
			}
			s.metrics.Counter("render_retries").Inc()
			wait = backoff.Next()
			var se *models.StageError
			if errors.As(err, &se) && se.RetryAfter > 0 {
				wait = se.RetryAfter
			}
			log.Printf("pipeline: task %s render poll retry in %s: %v", o.task.ID, wait, err)

		case status.State == stages.RenderDone:
			if status.ResultURL == "" {
				return "", models.NewExternalError("render_no_result", "render finished without a result url", nil)
			}
			return status.ResultURL, nil

		case status.State == stages.RenderRejected:
			return "", models.NewInputError("render_rejected", "render service rejected the job: "+status.Message)

		case status.State == stages.RenderError:
			return "", models.NewExternalError("render_error", "render service reported failure: "+status.Message, nil)

		default: // queued, processing
			backoff.Reset()
			o.subProgress(renderProgress(status.Progress), map[string]interface{}{
				"render_state":    string(status.State),
				"render_progress": status.Progress,
			})
		}

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(wait):
		}
	}
}

// renderProgress maps the remote service's 0-100 progress into the fixed
// 75-99 window of the overall progress bar
func renderProgress(remote int) int {
	if remote < 0 {
		remote = 0
	}
	if remote > 100 {
		remote = 100
	}
	return models.StageProgress[models.StageRenderPolling] + remote*24/100
}

// withGPU runs fn while holding one slot of the given resource class
func (o *orchestrator) withGPU(ctx context.Context, class string, fn func() error) error {
	ticket, err := o.svc.pool.Acquire(ctx, class, o.task.ID)
	if err != nil {
		return err
	}
	held := o.svc.metrics.Gauge("gpu_held_" + class)
	held.Inc()
	defer func() {
		o.svc.pool.Release(ticket)
		held.Dec()
	}()
	return fn()
}

// callStage invokes one adapter call with a per-call timeout and the retry
// policy from the error taxonomy: transient and external errors retry with
// bounded backoff, input errors fail fast, resource exhaustion triggers one
// emergency storage sweep before the retry
func (o *orchestrator) callStage(ctx context.Context, fn func(context.Context) error) error {
	s := o.svc
	backoff := stages.Backoff{Base: s.cfg.RetryBase}
	attempts := 0
	sweepTried := false

	for {
		callCtx, cancel := context.WithTimeout(ctx, s.cfg.StageTimeout)
		err := fn(callCtx)
		cancel()

		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errors.Is(err, context.DeadlineExceeded) {
			err = models.NewRecoverableError("stage_timeout", "stage call timed out", err)
		}

		switch models.KindOf(err) {
		case models.ErrKindInput:
			return err
		case models.ErrKindResource:
			if sweepTried {
				return err
			}
			sweepTried = true
			freed := s.store.EmergencySweep()
			s.metrics.Counter("storage_bytes_freed").Add(freed)
			log.Printf("pipeline: task %s resource pressure, emergency sweep freed %d bytes", o.task.ID, freed)
		default: // recoverable, external
			attempts++
			if attempts >= s.cfg.StageRetries {
				return err
			}
			wait := backoff.Next()
			var se *models.StageError
			if errors.As(err, &se) && se.RetryAfter > 0 {
				wait = se.RetryAfter
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(wait):
			}
		}
	}
}

// enterStage advances the state machine, keeps progress monotonic, and
// publishes a STAGE_UPDATE event
func (o *orchestrator) enterStage(stage models.Stage, data map[string]interface{}) {
	s := o.svc

	s.mu.Lock()
	o.task.Stage = stage
	o.task.Stages = append(o.task.Stages, stage)
	if p := models.StageProgress[stage]; p > o.task.Progress {
		o.task.Progress = p
	}
	progress := o.task.Progress
	o.task.UpdatedAt = time.Now()
	s.mu.Unlock()

	if data == nil {
		data = map[string]interface{}{}
	}
	data["stage"] = string(stage)
	data["progress"] = progress
	s.publish(o.task.ID, models.EventStageUpdate, data)
	s.recordTask(o.task)
}

// subProgress publishes a SUB_PROGRESS event within the current stage
func (o *orchestrator) subProgress(progress int, data map[string]interface{}) {
	s := o.svc

	s.mu.Lock()
	if progress > o.task.Progress {
		o.task.Progress = progress
	}
	progress = o.task.Progress
	o.task.UpdatedAt = time.Now()
	s.mu.Unlock()

	if data == nil {
		data = map[string]interface{}{}
	}
	data["progress"] = progress
	s.publish(o.task.ID, models.EventSubProgress, data)
}

// complete commits storage and publishes the terminal COMPLETE event
func (o *orchestrator) complete(result models.RunResult) {
	s := o.svc

	s.store.Commit(o.task.ID)

	s.mu.Lock()
	now := time.Now()
	o.task.Stage = models.StageCompleted
	o.task.Stages = append(o.task.Stages, models.StageCompleted)
	o.task.Status = models.TaskStatusCompleted
	o.task.Progress = 100
	o.task.Result = &result
	o.task.CompletedAt = &now
	o.task.UpdatedAt = now
	s.mu.Unlock()

	s.publish(o.task.ID, models.EventComplete, map[string]interface{}{
		"stage":     string(models.StageCompleted),
		"progress":  100,
		"video_url": result.VideoURL,
	})
	s.recordTask(o.task)
	s.metrics.Counter("tasks_completed").Inc()
}

// fail rolls back storage and publishes the terminal ERROR event. A failed
// or cancelled run never leaves committed-looking artifacts behind.
func (o *orchestrator) fail(err error) {
	s := o.svc

	code := models.CodeOf(err)
	kind := models.KindOf(err)
	message := err.Error()
	if errors.Is(err, context.Canceled) {
		code = "cancelled"
		kind = models.ErrKindInput
		message = "cancelled"
	}

	s.store.Rollback(o.task.ID)

	s.mu.Lock()
	now := time.Now()
	o.task.Stage = models.StageFailed
	o.task.Stages = append(o.task.Stages, models.StageFailed)
	o.task.Status = models.TaskStatusFailed
	o.task.ErrorCode = code
	o.task.ErrorDetail = message
	o.task.CompletedAt = &now
	o.task.UpdatedAt = now
	s.mu.Unlock()

	s.publish(o.task.ID, models.EventError, map[string]interface{}{
		"code":    code,
		"kind":    string(kind),
		"message": message,
	})
	s.recordTask(o.task)
	s.metrics.Counter("tasks_failed").Inc()
	log.Printf("pipeline: task %s failed: %s", o.task.ID, message)
}
