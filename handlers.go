package main

import (
	"bytes"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/kwv/landmesh/mesh"
)

// objectInfo is the /objects entry for one stored object
type objectInfo struct {
	Name          string     `json:"name"`
	Color         string     `json:"color,omitempty"`
	VertexCount   int        `json:"vertexCount"`
	LandmarkNames []string   `json:"landmarkNames"`
	Centroid      [3]float64 `json:"centroid"`
	CentroidSize  float64    `json:"centroidSize"`
}

// errorResponse is the body of failed /align requests
type errorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}

// newHTTPServer creates an HTTP server with all endpoints
func newHTTPServer(a *App) http.Handler {
	mux := http.NewServeMux()

	// Health check endpoint
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		log.Printf("[HTTP] /health request from %s", r.RemoteAddr)
		status := struct {
			Status       string    `json:"status"`
			Timestamp    time.Time `json:"timestamp"`
			Objects      int       `json:"objects"`
			HasAlignment bool      `json:"hasAlignment"`
		}{
			Status:       "ok",
			Timestamp:    time.Now(),
			Objects:      a.Store.Len(),
			HasAlignment: a.lastResult() != nil,
		}
		writeJSON(w, http.StatusOK, status)
	})

	mux.HandleFunc("/objects", func(w http.ResponseWriter, r *http.Request) {
		objects, err := a.Store.Snapshot()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		infos := make([]objectInfo, 0, len(objects))
		for _, obj := range objects {
			s := mesh.Summarize(obj)
			infos = append(infos, objectInfo{
				Name:          s.Name,
				Color:         obj.Color,
				VertexCount:   s.VertexCount,
				LandmarkNames: s.LandmarkNames,
				Centroid:      [3]float64{s.Centroid.X, s.Centroid.Y, s.Centroid.Z},
				CentroidSize:  s.CentroidSize,
			})
		}
		writeJSON(w, http.StatusOK, infos)
	})

	// Align all stored objects; the optional body overrides the configured options
	mux.HandleFunc("/align", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.Header().Set("Allow", http.MethodPost)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		var overrides mesh.AlignOverrides
		body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
		if err != nil {
			http.Error(w, "reading request body", http.StatusBadRequest)
			return
		}
		if len(bytes.TrimSpace(body)) > 0 {
			if err := json.Unmarshal(body, &overrides); err != nil {
				writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body: " + err.Error(), Kind: "BadRequest"})
				return
			}
		}

		result, err := a.align(overrides)
		if err != nil {
			kind := mesh.ErrorKind(err)
			status := http.StatusUnprocessableEntity
			if kind == "internal" {
				status = http.StatusInternalServerError
			}
			log.Printf("[HTTP] /align failed (%s): %v", kind, err)
			writeJSON(w, status, errorResponse{Error: err.Error(), Kind: kind})
			return
		}
		writeJSON(w, http.StatusOK, result)
	})

	mux.HandleFunc("/alignment", func(w http.ResponseWriter, r *http.Request) {
		result := a.lastResult()
		if result == nil {
			http.Error(w, "No alignment available", http.StatusNotFound)
			return
		}
		writeJSON(w, http.StatusOK, result)
	})

	preview := func(format string) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			plane, ok := requestPlane(w, r, a.Plane)
			if !ok {
				return
			}
			objects, err := a.Store.Snapshot()
			if err != nil || len(objects) == 0 {
				http.Error(w, "No objects available", http.StatusServiceUnavailable)
				return
			}

			renderer := mesh.NewPreviewRenderer(objects, plane)
			renderer.MeanShape = mesh.MeanShapeLandmarks(a.lastResult())

			var buf bytes.Buffer
			contentType := "image/svg+xml"
			if format == "png" {
				contentType = "image/png"
				err = renderer.RenderToPNG(&buf)
			} else {
				err = renderer.RenderToSVG(&buf)
			}
			if err != nil {
				log.Printf("Warning: preview rendering failed; endpoint=/preview.%s: %v", format, err)
				http.Error(w, "No drawable content", http.StatusServiceUnavailable)
				return
			}

			w.Header().Set("Content-Type", contentType)
			w.Header().Set("Cache-Control", "no-cache")
			if _, err := buf.WriteTo(w); err != nil {
				log.Printf("Error writing preview: %v", err)
			}
		}
	}
	mux.HandleFunc("/preview.svg", preview("svg"))
	mux.HandleFunc("/preview.png", preview("png"))

	mux.HandleFunc("/landmarks.geojson", func(w http.ResponseWriter, r *http.Request) {
		plane, ok := requestPlane(w, r, a.Plane)
		if !ok {
			return
		}
		opts := mesh.PlanViewOptions{Plane: plane}
		if s := r.URL.Query().Get("simplify"); s != "" {
			tol, err := strconv.ParseFloat(s, 64)
			if err != nil || tol < 0 {
				http.Error(w, "simplify must be a non-negative number", http.StatusBadRequest)
				return
			}
			opts.SimplifyTolerance = tol
		}

		objects, err := a.Store.Snapshot()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		fc := mesh.BuildPlanView(objects, a.lastResult(), opts)
		w.Header().Set("Content-Type", "application/geo+json")
		if err := json.NewEncoder(w).Encode(fc); err != nil {
			log.Printf("Error encoding GeoJSON: %v", err)
		}
	})

	mux.HandleFunc("/convergence.png", func(w http.ResponseWriter, r *http.Request) {
		result := a.lastResult()
		if result == nil {
			http.Error(w, "No alignment available", http.StatusNotFound)
			return
		}
		var buf bytes.Buffer
		if err := mesh.WriteConvergencePlot(&buf, result, "png"); err != nil {
			log.Printf("Warning: convergence plot failed: %v", err)
			http.Error(w, "No convergence data", http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "image/png")
		w.Header().Set("Cache-Control", "no-cache")
		if _, err := buf.WriteTo(w); err != nil {
			log.Printf("Error writing convergence plot: %v", err)
		}
	})

	return mux
}

// requestPlane reads the optional ?plane= parameter. It writes a 400 and
// returns false when the value is invalid.
func requestPlane(w http.ResponseWriter, r *http.Request, fallback mesh.Plane) (mesh.Plane, bool) {
	s := r.URL.Query().Get("plane")
	if s == "" {
		return fallback, true
	}
	plane, err := mesh.ParsePlane(s)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return "", false
	}
	return plane, true
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("Error encoding response: %v", err)
	}
}
