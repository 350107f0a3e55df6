package lookup

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/dray-io/placement/internal/faults"
	"github.com/dray-io/placement/internal/naming"
)

// TopicView is the JSON body of a successful topic lookup.
type TopicView struct {
	Broker        string `json:"broker"`
	ServiceURL    string `json:"serviceUrl,omitempty"`
	WebServiceURL string `json:"webServiceUrl,omitempty"`
	Bundle        string `json:"bundle"`
}

// PartitionsView is the JSON body of a partition-metadata lookup.
type PartitionsView struct {
	Partitions int `json:"partitions"`
}

type errorView struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}

// Handler serves the lookup endpoints:
//
//	GET /lookup/v2/topic?topic=<name>&role=<role>
//	GET /lookup/v2/partitions?topic=<name>&role=<role>
func Handler(s *Service) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /lookup/v2/topic", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		res, err := s.Lookup(r.Context(), q.Get("topic"), q.Get("role"))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, TopicView{
			Broker:        res.Broker,
			ServiceURL:    res.ServiceURL,
			WebServiceURL: res.WebServiceURL,
			Bundle:        res.Bundle.String(),
		})
	})
	mux.HandleFunc("GET /lookup/v2/partitions", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		meta, err := s.PartitionMetadata(r.Context(), q.Get("topic"), q.Get("role")).Wait(r.Context())
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, PartitionsView{Partitions: meta.Partitions})
	})
	return mux
}

// HTTPStatus maps a lookup error to a response code.
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, naming.ErrInvalidName):
		return http.StatusBadRequest
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	}
	switch faults.KindOf(err) {
	case faults.KindNotFound:
		return http.StatusNotFound
	case faults.KindForbidden:
		return http.StatusForbidden
	case faults.KindTooManyRequests:
		return http.StatusTooManyRequests
	case faults.KindServiceUnavailable, faults.KindTransportFailure:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, HTTPStatus(err), errorView{Error: err.Error(), Kind: faults.KindOf(err).String()})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
