package world

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics prometheus-метрики террейна
type Metrics struct {
	LoadedChunks    prometheus.Gauge
	PendingLoads    prometheus.Gauge
	PendingMeshes   prometheus.Gauge
	InFlightMeshes  prometheus.Gauge
	TrackedPlayers  prometheus.Gauge
	ChunkLoads      *prometheus.CounterVec
	ChunkUnloads    prometheus.Counter
	MeshBuild       prometheus.Histogram
	MeshResults     *prometheus.CounterVec
	DispatchRefused prometheus.Counter
	Edits           *prometheus.CounterVec
	RecordsSaved    prometheus.Counter
	RecordErrors    *prometheus.CounterVec
	TickDuration    prometheus.Histogram
}

// NewMetrics создаёт метрики. При reg == nil коллекторы не регистрируются.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		LoadedChunks: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "terrain_loaded_chunks",
			Help: "Number of chunks in the chunk table",
		}),
		PendingLoads: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "terrain_pending_loads",
			Help: "Chunks waiting in the load queue",
		}),
		PendingMeshes: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "terrain_pending_meshes",
			Help: "Chunks waiting for a mesh or collision rebuild",
		}),
		InFlightMeshes: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "terrain_in_flight_meshes",
			Help: "Mesh jobs currently running in the worker pool",
		}),
		TrackedPlayers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "terrain_tracked_players",
			Help: "Players driving streaming and LOD",
		}),
		ChunkLoads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "terrain_chunk_loads_total",
			Help: "Chunks loaded by source",
		}, []string{"source"}),
		ChunkUnloads: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "terrain_chunk_unloads_total",
			Help: "Chunks evicted from the chunk table",
		}),
		MeshBuild: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "terrain_mesh_build_seconds",
			Help:    "Time spent building one chunk mesh",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 12),
		}),
		MeshResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "terrain_mesh_results_total",
			Help: "Applied mesh results by outcome",
		}, []string{"outcome"}),
		DispatchRefused: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "terrain_mesh_dispatch_refused_total",
			Help: "Dispatches refused because the chunk was already in flight",
		}),
		Edits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "terrain_edits_total",
			Help: "Terrain edits by operation and whether they cost a resource",
		}, []string{"operation", "charged"}),
		RecordsSaved: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "terrain_records_saved_total",
			Help: "Chunk records written to storage",
		}),
		RecordErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "terrain_record_errors_total",
			Help: "Chunk record failures by kind",
		}, []string{"kind"}),
		TickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "terrain_tick_seconds",
			Help:    "Duration of one terrain tick",
			Buckets: prometheus.ExponentialBuckets(0.0001, 2, 14),
		}),
	}

	if reg != nil {
		reg.MustRegister(
			m.LoadedChunks, m.PendingLoads, m.PendingMeshes, m.InFlightMeshes, m.TrackedPlayers,
			m.ChunkLoads, m.ChunkUnloads, m.MeshBuild, m.MeshResults, m.DispatchRefused,
			m.Edits, m.RecordsSaved, m.RecordErrors, m.TickDuration,
		)
	}
	return m
}
