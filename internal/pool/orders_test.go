// SPDX-FileCopyrightText: 2025 Paulo Almeida <almeidapaulopt@gmail.com>
// SPDX-License-Identifier: MIT

package pool

import (
	"slices"
	"testing"

	"github.com/yichenchong/proxyfleet/internal/connectors"
	"github.com/yichenchong/proxyfleet/internal/model"
)

const now int64 = 1_000_000

func fixture(status model.ProjectStatus, proxiesMin, proxiesMax int) (*model.Project, *model.Connector) {
	c := &model.Connector{
		ID:                         "c1",
		ProjectID:                  "p1",
		Type:                       "fake",
		ProxiesMax:                 proxiesMax,
		ProxiesTimeoutDisconnected: 180_000,
		Active:                     true,
	}
	p := &model.Project{
		ID:                 "p1",
		Status:             status,
		ConnectorDefaultID: c.ID,
		ProxiesMin:         proxiesMin,
		LastDataTs:         now,
	}

	return p, c
}

// started builds a reachable proxy created at ts.
func started(key string, ts int64) *model.Proxy {
	return &model.Proxy{
		ID:             model.ProxyID("c1", key),
		ConnectorID:    "c1",
		ProjectID:      "p1",
		Key:            key,
		Status:         model.ProxyStatusStarted,
		ProviderStatus: model.ProxyStatusStarted,
		Fingerprint:    &model.Fingerprint{IP: "1.2.3.4"},
		CreatedTs:      ts,
	}
}

// waiting builds a proxy not reached since disconnected.
func waiting(key string, status model.ProxyStatus, disconnected int64) *model.Proxy {
	return &model.Proxy{
		ID:             model.ProxyID("c1", key),
		ConnectorID:    "c1",
		ProjectID:      "p1",
		Key:            key,
		Status:         status,
		ProviderStatus: status,
		DisconnectedTs: &disconnected,
		CreatedTs:      disconnected,
	}
}

func reported(stored []*model.Proxy) []connectors.ProxyState {
	out := make([]connectors.ProxyState, 0, len(stored))
	for _, p := range stored {
		out = append(out, connectors.ProxyState{Key: p.Key, Status: p.ProviderStatus})
	}
	return out
}

func removedKeys(o Orders) map[string]Removal {
	out := make(map[string]Removal, len(o.Remove))
	for _, r := range o.Remove {
		out[r.Key] = r
	}
	return out
}

func TestComputeOrdersScaleUp(t *testing.T) {
	project, connector := fixture(model.ProjectStatusCalm, 1, 1)

	o := ComputeOrders(ConvergeInput{Now: now, Project: project, Connector: connector})

	if o.Target != 1 || o.CreateCount != 1 || o.TotalCountAfter != 1 {
		t.Errorf("target=%d create=%d total=%d, want 1 1 1", o.Target, o.CreateCount, o.TotalCountAfter)
	}
	if len(o.Remove) != 0 {
		t.Errorf("unexpected removals %v", o.Remove)
	}
}

func TestComputeOrdersTarget(t *testing.T) {
	tests := []struct {
		name      string
		status    model.ProjectStatus
		isDefault bool
		active    bool
		want      int
	}{
		{"hot", model.ProjectStatusHot, false, true, 5},
		{"calm default", model.ProjectStatusCalm, true, true, 2},
		{"calm other", model.ProjectStatusCalm, false, true, 0},
		{"off", model.ProjectStatusOff, true, true, 0},
		{"inactive", model.ProjectStatusHot, true, false, 0},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			project, connector := fixture(tc.status, 2, 5)
			connector.Active = tc.active
			if !tc.isDefault {
				project.ConnectorDefaultID = "other"
			}

			o := ComputeOrders(ConvergeInput{Now: now, Project: project, Connector: connector})
			if o.Target != tc.want {
				t.Errorf("Target = %d, want %d", o.Target, tc.want)
			}
		})
	}
}

func TestComputeOrdersMinCappedByMax(t *testing.T) {
	project, connector := fixture(model.ProjectStatusCalm, 4, 2)

	o := ComputeOrders(ConvergeInput{Now: now, Project: project, Connector: connector})
	if o.Target != 2 {
		t.Errorf("Target = %d, want 2", o.Target)
	}
}

func TestComputeOrdersTimeouts(t *testing.T) {
	tests := []struct {
		name        string
		proxy       func() *model.Proxy
		unreachable model.ProxiesTimeoutUnreachable
		want        Reason
	}{
		{
			name:  "never reached",
			proxy: func() *model.Proxy { return waiting("a", model.ProxyStatusStarting, now-200_000) },
			want:  ReasonDisconnected,
		},
		{
			name:  "never reached within timeout",
			proxy: func() *model.Proxy { return waiting("a", model.ProxyStatusStarting, now-100_000) },
		},
		{
			name: "lost contact",
			proxy: func() *model.Proxy {
				p := waiting("a", model.ProxyStatusStarting, now-70_000)
				p.Fingerprint = &model.Fingerprint{IP: "1.2.3.4"}
				return p
			},
			unreachable: model.ProxiesTimeoutUnreachable{Enabled: true, Value: 60_000},
			want:        ReasonUnreachable,
		},
		{
			name: "lost contact without unreachable timeout",
			proxy: func() *model.Proxy {
				p := waiting("a", model.ProxyStatusStarting, now-70_000)
				p.Fingerprint = &model.Fingerprint{IP: "1.2.3.4"}
				return p
			},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			project, connector := fixture(model.ProjectStatusCalm, 1, 1)
			connector.ProxiesTimeoutUnreachable = tc.unreachable
			stored := []*model.Proxy{tc.proxy()}

			o := ComputeOrders(ConvergeInput{
				Now:       now,
				Project:   project,
				Connector: connector,
				Stored:    stored,
				Remote:    reported(stored),
			})

			r, ok := removedKeys(o)["a"]
			if tc.want == "" {
				if ok {
					t.Fatalf("unexpected removal %+v", r)
				}
				if o.CreateCount != 0 {
					t.Errorf("CreateCount = %d, want 0", o.CreateCount)
				}
				return
			}

			if !ok || r.Reason != tc.want {
				t.Fatalf("removal = %+v, want reason %s", r, tc.want)
			}
			if o.CreateCount != 1 {
				t.Errorf("CreateCount = %d, want a replacement", o.CreateCount)
			}
			if !o.Updated[0].Removing {
				t.Error("removed proxy should be flagged removing")
			}
		})
	}
}

func TestComputeOrdersErrorAndStopped(t *testing.T) {
	project, connector := fixture(model.ProjectStatusHot, 0, 2)
	stored := []*model.Proxy{
		waiting("broken", model.ProxyStatusStarting, now),
		waiting("paused", model.ProxyStatusStopped, now),
	}
	remote := []connectors.ProxyState{
		{Key: "broken", Status: model.ProxyStatusError},
		{Key: "paused", Status: model.ProxyStatusStopped},
	}

	o := ComputeOrders(ConvergeInput{Now: now, Project: project, Connector: connector, Stored: stored, Remote: remote})

	if r := removedKeys(o)["broken"]; r.Reason != ReasonError {
		t.Errorf("broken removal = %+v", r)
	}
	if !slices.Equal(o.KeysToStart, []string{"paused"}) {
		t.Errorf("KeysToStart = %v", o.KeysToStart)
	}
	if o.CreateCount != 1 || o.TotalCountAfter != 2 {
		t.Errorf("create=%d total=%d, want 1 2", o.CreateCount, o.TotalCountAfter)
	}
}

func TestComputeOrdersStopAndResume(t *testing.T) {
	project, connector := fixture(model.ProjectStatusCalm, 1, 1)
	stored := []*model.Proxy{started("a", now-10_000)}

	// paused by the provider
	o := ComputeOrders(ConvergeInput{
		Now:       now,
		Project:   project,
		Connector: connector,
		Stored:    stored,
		Remote:    []connectors.ProxyState{{Key: "a", Status: model.ProxyStatusStopped}},
	})
	if len(o.Refused) != 0 || o.Updated[0].Status != model.ProxyStatusStopped {
		t.Fatalf("refused=%v status=%s, want STOPPED", o.Refused, o.Updated[0].Status)
	}
	if !slices.Equal(o.KeysToStart, []string{"a"}) {
		t.Errorf("KeysToStart = %v", o.KeysToStart)
	}

	// resumed on the next pass
	o = ComputeOrders(ConvergeInput{
		Now:       now + 5_000,
		Project:   project,
		Connector: connector,
		Stored:    o.Updated,
		Remote:    []connectors.ProxyState{{Key: "a", Status: model.ProxyStatusStarted}},
	})
	if len(o.Refused) != 0 {
		t.Fatalf("Refused = %v", o.Refused)
	}
	p := o.Updated[0]
	if p.Status != model.ProxyStatusStarting || len(o.KeysToStart) != 0 {
		t.Fatalf("status=%s keysToStart=%v, want STARTING and nothing to start", p.Status, o.KeysToStart)
	}

	// reached again by the fingerprint gate
	p.ApplyFingerprint(&model.Fingerprint{IP: "1.2.3.4"}, now+6_000)
	o = ComputeOrders(ConvergeInput{
		Now:       now + 10_000,
		Project:   project,
		Connector: connector,
		Stored:    []*model.Proxy{p},
		Remote:    []connectors.ProxyState{{Key: "a", Status: model.ProxyStatusStarted}},
	})
	if o.Updated[0].Status != model.ProxyStatusStarted || len(o.Remove) != 0 || o.CreateCount != 0 {
		t.Errorf("status=%s remove=%v create=%d, want STARTED and a stable pool",
			o.Updated[0].Status, o.Remove, o.CreateCount)
	}
}

func TestComputeOrdersStoppedTimesOut(t *testing.T) {
	project, connector := fixture(model.ProjectStatusCalm, 1, 1)
	stored := []*model.Proxy{started("a", now-500_000)}
	stopped := []connectors.ProxyState{{Key: "a", Status: model.ProxyStatusStopped}}

	o := ComputeOrders(ConvergeInput{Now: now, Project: project, Connector: connector, Stored: stored, Remote: stopped})
	if len(o.Remove) != 0 {
		t.Fatalf("removed right after stopping: %v", o.Remove)
	}

	// never resumed
	later := now + connector.ProxiesTimeoutDisconnected + 1
	o = ComputeOrders(ConvergeInput{Now: later, Project: project, Connector: connector, Stored: o.Updated, Remote: stopped})

	if r := removedKeys(o)["a"]; r.Reason != ReasonDisconnected {
		t.Fatalf("removal = %+v, want disconnected", r)
	}
	if o.CreateCount != 1 || len(o.KeysToStart) != 0 {
		t.Errorf("create=%d keysToStart=%v, want a replacement and no restart", o.CreateCount, o.KeysToStart)
	}
}

func TestComputeOrdersRefusedTransition(t *testing.T) {
	project, connector := fixture(model.ProjectStatusCalm, 1, 1)
	stored := []*model.Proxy{waiting("a", model.ProxyStatusError, now)}
	remote := []connectors.ProxyState{{Key: "a", Status: model.ProxyStatusStarting}}

	o := ComputeOrders(ConvergeInput{Now: now, Project: project, Connector: connector, Stored: stored, Remote: remote})

	if !slices.Equal(o.Refused, []string{"a"}) {
		t.Fatalf("Refused = %v", o.Refused)
	}
	if o.Updated[0].Status != model.ProxyStatusError {
		t.Errorf("Status = %s, want ERROR kept", o.Updated[0].Status)
	}
	if r := removedKeys(o)["a"]; r.Reason != ReasonError {
		t.Errorf("removal = %+v", r)
	}
}

func TestComputeOrdersGone(t *testing.T) {
	project, connector := fixture(model.ProjectStatusCalm, 1, 1)
	stored := []*model.Proxy{started("lost", now-1000)}

	o := ComputeOrders(ConvergeInput{Now: now, Project: project, Connector: connector, Stored: stored})

	if len(o.Gone) != 1 || o.Gone[0].Key != "lost" {
		t.Fatalf("Gone = %v", o.Gone)
	}
	if !slices.Equal(o.ExcludeKeys, []string{"lost"}) {
		t.Errorf("ExcludeKeys = %v", o.ExcludeKeys)
	}
	if o.CreateCount != 1 {
		t.Errorf("CreateCount = %d, want 1", o.CreateCount)
	}
}

func TestComputeOrdersScaleDownOldestFirst(t *testing.T) {
	project, connector := fixture(model.ProjectStatusCalm, 1, 3)
	stored := []*model.Proxy{
		started("young", now-1000),
		started("old", now-3000),
		started("middle", now-2000),
	}

	o := ComputeOrders(ConvergeInput{Now: now, Project: project, Connector: connector, Stored: stored, Remote: reported(stored)})

	removed := removedKeys(o)
	if len(removed) != 2 {
		t.Fatalf("removed %v, want 2 proxies", removed)
	}
	for _, key := range []string{"old", "middle"} {
		if removed[key].Reason != ReasonScaleDown {
			t.Errorf("%s removal = %+v", key, removed[key])
		}
	}
	if o.CreateCount != 0 || o.TotalCountAfter != 1 {
		t.Errorf("create=%d total=%d, want 0 1", o.CreateCount, o.TotalCountAfter)
	}
}

func TestComputeOrdersRotation(t *testing.T) {
	tests := []struct {
		name      string
		maxRotate int
		want      []string
	}{
		{"unbounded", 0, []string{"a", "b"}},
		{"bounded", 1, []string{"a"}},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			project, connector := fixture(model.ProjectStatusHot, 0, 3)
			project.AutoRotate = model.AutoRotate{Enabled: true, Min: 1000, Max: 1000}
			stored := []*model.Proxy{
				started("a", now-5000),
				started("b", now-4000),
				started("fresh", now-500),
			}

			o := ComputeOrders(ConvergeInput{
				Now:              now,
				Project:          project,
				Connector:        connector,
				Stored:           stored,
				Remote:           reported(stored),
				MaxRotatePerPass: tc.maxRotate,
			})

			var got []string
			for _, r := range o.Remove {
				if r.Reason == ReasonRotate {
					got = append(got, r.Key)
				}
			}
			if !slices.Equal(got, tc.want) {
				t.Errorf("rotated %v, want %v", got, tc.want)
			}
			if o.CreateCount != len(tc.want) {
				t.Errorf("CreateCount = %d, want %d", o.CreateCount, len(tc.want))
			}
		})
	}
}

func TestComputeOrdersAutoScaleDown(t *testing.T) {
	project, connector := fixture(model.ProjectStatusHot, 1, 3)
	project.AutoScaleDown = model.AutoScaleDown{Enabled: true, Value: 1000}
	project.LastDataTs = now - 5000

	o := ComputeOrders(ConvergeInput{Now: now, Project: project, Connector: connector})

	if o.ProjectStatus == nil || *o.ProjectStatus != model.ProjectStatusCalm {
		t.Fatalf("ProjectStatus = %v, want CALM", o.ProjectStatus)
	}
	if o.Target != 1 {
		t.Errorf("Target = %d, want 1", o.Target)
	}
}

func TestComputeOrdersForce(t *testing.T) {
	tests := []struct {
		name  string
		setup func(p *model.Proxy, f *connectors.FactoryConfig)
		want  bool
	}{
		{"default", func(*model.Proxy, *connectors.FactoryConfig) {}, false},
		{"requested", func(p *model.Proxy, _ *connectors.FactoryConfig) { p.Removing, p.RemovingForce = true, true }, true},
		{"proxy cap", func(p *model.Proxy, _ *connectors.FactoryConfig) { p.RemovingForceCap = true }, true},
		{"factory cap", func(_ *model.Proxy, f *connectors.FactoryConfig) { f.RemovingForceCap = true }, true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			project, connector := fixture(model.ProjectStatusOff, 0, 1)
			p := started("a", now-1000)
			f := connectors.FactoryConfig{}
			tc.setup(p, &f)

			o := ComputeOrders(ConvergeInput{
				Now:       now,
				Project:   project,
				Connector: connector,
				Factory:   f,
				Stored:    []*model.Proxy{p},
				Remote:    []connectors.ProxyState{{Key: "a", Status: model.ProxyStatusStarted, RemovingForceCap: p.RemovingForceCap}},
			})

			if len(o.Remove) != 1 || o.Remove[0].Force != tc.want {
				t.Errorf("Remove = %+v, want force %v", o.Remove, tc.want)
			}
		})
	}
}

func TestComputeOrdersRequestedRemoval(t *testing.T) {
	project, connector := fixture(model.ProjectStatusCalm, 1, 1)
	p := started("a", now-1000)
	p.Removing = true
	stored := []*model.Proxy{p}

	o := ComputeOrders(ConvergeInput{Now: now, Project: project, Connector: connector, Stored: stored, Remote: reported(stored)})

	if r := removedKeys(o)["a"]; r.Reason != ReasonRequested {
		t.Errorf("removal = %+v", r)
	}
	if o.CreateCount != 1 {
		t.Errorf("CreateCount = %d, want a replacement", o.CreateCount)
	}
}

func TestNewProxy(t *testing.T) {
	_, connector := fixture(model.ProjectStatusCalm, 1, 1)
	state := connectors.ProxyState{Key: "k", Status: model.ProxyStatusStarted}

	p := NewProxy(connector, state, connectors.FactoryConfig{TransportType: connectors.TransportProxy}, now, 0.5)

	if p.ID != "c1:k" || p.Name != "k" || p.Type != "fake" || p.TransportType != connectors.TransportProxy {
		t.Errorf("identity = %+v", p)
	}
	if p.Status != model.ProxyStatusStarting {
		t.Errorf("Status = %s, want STARTING until reached", p.Status)
	}
	if p.DisconnectedTs == nil || *p.DisconnectedTs != now {
		t.Errorf("DisconnectedTs = %v", p.DisconnectedTs)
	}
}
