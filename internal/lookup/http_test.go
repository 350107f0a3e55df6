package lookup

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dray-io/placement/internal/admission"
	"github.com/dray-io/placement/internal/discovery"
	"github.com/dray-io/placement/internal/faults"
	"github.com/dray-io/placement/internal/loadreport"
	"github.com/dray-io/placement/internal/placement"
)

func TestHandler_Topic(t *testing.T) {
	reg := &fakeRegistry{brokers: map[string]discovery.BrokerDescriptor{
		"b1:6650": {ID: "b1:6650", Live: true, Report: &loadreport.LoadReport{ServiceURL: "pulsar://b1:6650"}},
	}}
	s := NewService(Config{Gate: admission.NewGate(4, nil), Registry: reg, Selector: &fakeSelector{broker: "b1:6650"}})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/lookup/v2/topic?topic="+url.QueryEscape(topic)+"&role=app", nil)
	Handler(s).ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var view TopicView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	assert.Equal(t, "b1:6650", view.Broker)
	assert.Equal(t, "pulsar://b1:6650", view.ServiceURL)
	assert.NotEmpty(t, view.Bundle)
}

func TestHandler_Partitions(t *testing.T) {
	s := NewService(Config{Gate: admission.NewGate(4, nil), Registry: &fakeRegistry{partitions: 8}, Selector: &fakeSelector{}})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/lookup/v2/partitions?topic="+url.QueryEscape(topic), nil)
	Handler(s).ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var view PartitionsView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	assert.Equal(t, 8, view.Partitions)
}

func TestHandler_Errors(t *testing.T) {
	tests := []struct {
		name  string
		gate  int
		reg   *fakeRegistry
		sel   *fakeSelector
		topic string
		want  int
	}{
		{name: "bad name", gate: 1, reg: &fakeRegistry{}, sel: &fakeSelector{}, topic: "orders", want: http.StatusBadRequest},
		{name: "forbidden", gate: 1, reg: &fakeRegistry{authErr: faults.Forbidden("authorize", "no")}, sel: &fakeSelector{}, topic: topic, want: http.StatusForbidden},
		{name: "gate", gate: 0, reg: &fakeRegistry{}, sel: &fakeSelector{}, topic: topic, want: http.StatusTooManyRequests},
		{name: "no brokers", gate: 1, reg: &fakeRegistry{}, sel: &fakeSelector{err: placement.ErrNotYetAvailable}, topic: topic, want: http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewService(Config{Gate: admission.NewGate(tt.gate, nil), Registry: tt.reg, Selector: tt.sel})
			rec := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodGet, "/lookup/v2/topic?topic="+url.QueryEscape(tt.topic), nil)
			Handler(s).ServeHTTP(rec, req)
			assert.Equal(t, tt.want, rec.Code)
		})
	}
}

func TestHTTPStatus(t *testing.T) {
	assert.Equal(t, http.StatusOK, HTTPStatus(nil))
	assert.Equal(t, http.StatusGatewayTimeout, HTTPStatus(fmt.Errorf("lookup: %w", context.DeadlineExceeded)))
	assert.Equal(t, http.StatusNotFound, HTTPStatus(faults.NotFound("get", "missing")))
	assert.Equal(t, http.StatusServiceUnavailable, HTTPStatus(faults.Transport("get", errors.New("reset"))))
	assert.Equal(t, http.StatusInternalServerError, HTTPStatus(errors.New("boom")))
}
