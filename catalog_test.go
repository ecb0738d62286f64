package vane

import (
	"encoding/json"
	"iter"
	"net/http/httptest"
	"testing"
	"time"
)

type updatingProvider struct {
	stubProvider
	updates chan struct{}
}

func (p updatingProvider) CatalogUpdates() iter.Seq[struct{}] {
	return func(yield func(struct{}) bool) {
		for range p.updates {
			if !yield(struct{}{}) {
				return
			}
		}
	}
}

func TestCatalogUpdateBroadcast(t *testing.T) {
	provider := updatingProvider{
		stubProvider: testProvider(),
		updates:      make(chan struct{}),
	}
	srv := NewServer(Info{Name: "vane-test", Version: "0.0.1"}, provider, WithLogger(quietLogger()))
	defer close(provider.updates)

	tr1 := newFakeTransport()
	tr2 := newFakeTransport()
	srv.Registry().Create(tr1)
	srv.Registry().Create(tr2)

	provider.updates <- struct{}{}

	for _, tr := range []*fakeTransport{tr1, tr2} {
		waitFor(t, 5*time.Second, func() bool {
			for _, env := range tr.sentEnvelopes() {
				if env.Method == MethodNotificationsCapabilitiesChanged {
					return true
				}
			}
			return false
		})
	}
}

func TestCatalogUpdaterAdvertisedInInitialize(t *testing.T) {
	provider := updatingProvider{
		stubProvider: testProvider(),
		updates:      make(chan struct{}),
	}
	srv := NewServer(Info{Name: "vane-test", Version: "0.0.1"}, provider, WithLogger(quietLogger()))
	defer close(provider.updates)

	ts := httptest.NewServer(srv.HandleMessage())
	defer ts.Close()

	resp := postMessage(t, ts.URL, "", initializeBody)
	defer resp.Body.Close()

	env := decodeEnvelope(t, resp.Body)
	if env.Error != nil {
		t.Fatalf("initialize error: %v", env.Error)
	}
	var res struct {
		Capabilities Capabilities `json:"capabilities"`
	}
	if err := json.Unmarshal(env.Result, &res); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if !res.Capabilities.ListChanged {
		t.Error("listChanged not advertised for a catalog-updating provider")
	}
}
