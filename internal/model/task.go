// SPDX-FileCopyrightText: 2025 Paulo Almeida <almeidapaulopt@gmail.com>
// SPDX-License-Identifier: MIT

package model

import "encoding/json"

type (
	// Task is the durable record of one multi-step workflow.
	Task struct {
		ID              string          `json:"id"`
		Type            string          `json:"type"`
		ProjectID       string          `json:"projectId"`
		ConnectorID     string          `json:"connectorId"`
		Running         bool            `json:"running"`
		CancelRequested bool            `json:"cancelRequested"`
		StepCurrent     int             `json:"stepCurrent"`
		StepMax         int             `json:"stepMax"`
		Retries         int             `json:"retries"`
		Message         string          `json:"message"`
		StartAtTs       int64           `json:"startAtTs"`
		EndAtTs         *int64          `json:"endAtTs,omitempty"`
		NextRetryTs     int64           `json:"nextRetryTs"`
		Data            json.RawMessage `json:"data"`
	}

	// TaskUpdate is the result of one executed step.
	TaskUpdate struct {
		Running     bool            `json:"running"`
		StepCurrent int             `json:"stepCurrent"`
		Message     string          `json:"message"`
		NextRetryTs int64           `json:"nextRetryTs"`
		Data        json.RawMessage `json:"data"`
	}
)

func (t *Task) Clone() *Task {
	cp := *t
	cp.Data = append(json.RawMessage(nil), t.Data...)
	if t.EndAtTs != nil {
		e := *t.EndAtTs
		cp.EndAtTs = &e
	}
	return &cp
}

// Apply copies an update into the task.
func (t *Task) Apply(u TaskUpdate) {
	t.Running = u.Running
	t.StepCurrent = u.StepCurrent
	t.Message = u.Message
	t.NextRetryTs = u.NextRetryTs
	if u.Data != nil {
		t.Data = u.Data
	}
}
