// SPDX-FileCopyrightText: 2025 Paulo Almeida <almeidapaulopt@gmail.com>
// SPDX-License-Identifier: MIT

package model

import "testing"

func TestProxyDeriveStatus(t *testing.T) {
	now := int64(1000)

	tests := []struct {
		name     string
		provider ProxyStatus
		fp       *Fingerprint
		disc     *int64
		want     ProxyStatus
	}{
		{"started without probe", ProxyStatusStarted, nil, &now, ProxyStatusStarting},
		{"started and reachable", ProxyStatusStarted, &Fingerprint{IP: "1.2.3.4"}, nil, ProxyStatusStarted},
		{"starting and reachable", ProxyStatusStarting, &Fingerprint{IP: "1.2.3.4"}, nil, ProxyStatusStarted},
		{"started but probe failed", ProxyStatusStarted, &Fingerprint{IP: "1.2.3.4"}, &now, ProxyStatusStarting},
		{"stopping passes through", ProxyStatusStopping, &Fingerprint{IP: "1.2.3.4"}, nil, ProxyStatusStopping},
		{"error passes through", ProxyStatusError, nil, nil, ProxyStatusError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := &Proxy{ProviderStatus: tt.provider, Fingerprint: tt.fp, DisconnectedTs: tt.disc}
			p.DeriveStatus(now)
			if p.Status != tt.want {
				t.Errorf("Status = %s, want %s", p.Status, tt.want)
			}
		})
	}
}

func TestProxyDeriveStatusKeepsForbiddenTransition(t *testing.T) {
	p := &Proxy{Status: ProxyStatusError, ProviderStatus: ProxyStatusStarted}

	if p.DeriveStatus(10) {
		t.Fatal("ERROR -> STARTING should be refused")
	}
	if p.Status != ProxyStatusError {
		t.Errorf("Status = %s, want ERROR", p.Status)
	}
}

func TestProxyDeriveStatusStopAndResume(t *testing.T) {
	p := &Proxy{
		Status:         ProxyStatusStarted,
		ProviderStatus: ProxyStatusStopped,
		Fingerprint:    &Fingerprint{IP: "1.2.3.4"},
	}

	if !p.DeriveStatus(100) || p.Status != ProxyStatusStopped {
		t.Fatalf("Status = %s, want STOPPED", p.Status)
	}
	if p.DisconnectedTs == nil || *p.DisconnectedTs != 100 {
		t.Fatalf("DisconnectedTs = %v, want 100", p.DisconnectedTs)
	}

	p.ProviderStatus = ProxyStatusStarted
	if !p.DeriveStatus(200) {
		t.Fatal("STOPPED -> STARTING should be allowed")
	}
	if p.Status != ProxyStatusStarting {
		t.Errorf("Status = %s, want STARTING until probed again", p.Status)
	}

	p.ApplyFingerprint(&Fingerprint{IP: "1.2.3.4"}, 300)
	if p.Status != ProxyStatusStarted {
		t.Errorf("Status = %s, want STARTED after a probe", p.Status)
	}
}

func TestProxyDeriveStatusResumeWithoutStopTimestamp(t *testing.T) {
	// stored before its stop was recorded: still reachable on paper
	p := &Proxy{
		Status:         ProxyStatusStopped,
		ProviderStatus: ProxyStatusStarted,
		Fingerprint:    &Fingerprint{IP: "1.2.3.4"},
	}

	if !p.DeriveStatus(50) {
		t.Fatal("resumed proxy should not be refused")
	}
	if p.Status != ProxyStatusStarting || p.DisconnectedTs == nil || *p.DisconnectedTs != 50 {
		t.Errorf("Status = %s, DisconnectedTs = %v", p.Status, p.DisconnectedTs)
	}
}

func TestProxyApplyFingerprint(t *testing.T) {
	p := &Proxy{Status: ProxyStatusStarting, ProviderStatus: ProxyStatusStarted}

	p.ApplyFingerprint(nil, 10)
	if p.DisconnectedTs == nil || *p.DisconnectedTs != 10 {
		t.Fatalf("DisconnectedTs = %v, want 10", p.DisconnectedTs)
	}

	p.ApplyFingerprint(nil, 20)
	if *p.DisconnectedTs != 10 {
		t.Errorf("a second failure must keep the first timestamp, got %d", *p.DisconnectedTs)
	}

	p.ApplyFingerprint(&Fingerprint{IP: "5.6.7.8"}, 30)
	if p.DisconnectedTs != nil {
		t.Error("a success must clear DisconnectedTs")
	}
	if p.Status != ProxyStatusStarted {
		t.Errorf("Status = %s, want STARTED", p.Status)
	}

	p.ApplyFingerprint(nil, 40)
	if p.Status != ProxyStatusStarting {
		t.Errorf("Status = %s, want STARTING after a failed probe", p.Status)
	}
}
