/*
Copyright 2017 The GoStor Authors All rights reserved.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package iscsit

import "github.com/prometheus/client_golang/prometheus"

// EngineMetrics is the set of metrics the iSCSI engine exposes.
type EngineMetrics struct {
	// PDUsReceived counts request PDUs by opcode.
	PDUsReceived *prometheus.CounterVec
	// PDUsSent counts response PDUs by opcode.
	PDUsSent *prometheus.CounterVec
	// DigestErrors counts header and data digest mismatches.
	DigestErrors *prometheus.CounterVec
	// Rejects counts Reject PDUs by reason.
	Rejects *prometheus.CounterVec
	// Logins counts login attempts by result.
	Logins *prometheus.CounterVec
	// TaskManagement counts task management requests by function and response.
	TaskManagement *prometheus.CounterVec
	// SCSICommands counts completed SCSI commands by status.
	SCSICommands *prometheus.CounterVec
	// SCSIDurationSeconds is the time a command spent in the device.
	SCSIDurationSeconds prometheus.Histogram
	// Connections is the number of connections in full feature phase.
	Connections prometheus.Gauge
	// Sessions is the number of sessions known to all targets.
	Sessions prometheus.Gauge
}

var Metrics EngineMetrics

func init() {
	Metrics.PDUsReceived = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "iscsi_pdus_received_total",
			Help: "Number of PDUs received from initiators.",
		},
		[]string{"opcode"},
	)
	Metrics.PDUsSent = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "iscsi_pdus_sent_total",
			Help: "Number of PDUs sent to initiators.",
		},
		[]string{"opcode"},
	)
	Metrics.DigestErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "iscsi_digest_errors_total",
			Help: "Number of PDUs that failed digest verification.",
		},
		[]string{"kind"},
	)
	Metrics.Rejects = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "iscsi_rejects_total",
			Help: "Number of Reject PDUs sent.",
		},
		[]string{"reason"},
	)
	Metrics.Logins = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "iscsi_logins_total",
			Help: "Number of login attempts.",
		},
		[]string{"result"},
	)
	Metrics.TaskManagement = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "iscsi_task_management_total",
			Help: "Number of task management requests.",
		},
		[]string{"function", "response"},
	)
	Metrics.SCSICommands = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "iscsi_scsi_commands_total",
			Help: "Number of SCSI commands completed by the device.",
		},
		[]string{"status"},
	)
	Metrics.SCSIDurationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "iscsi_scsi_command_duration_seconds",
			Help:    "Time a SCSI command spent in the device.",
			Buckets: prometheus.ExponentialBuckets(0.0001, 4, 10),
		},
	)
	Metrics.Connections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "iscsi_connections",
			Help: "Number of connections in full feature phase.",
		},
	)
	Metrics.Sessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "iscsi_sessions",
			Help: "Number of open sessions.",
		},
	)

	prometheus.MustRegister(Metrics.PDUsReceived)
	prometheus.MustRegister(Metrics.PDUsSent)
	prometheus.MustRegister(Metrics.DigestErrors)
	prometheus.MustRegister(Metrics.Rejects)
	prometheus.MustRegister(Metrics.Logins)
	prometheus.MustRegister(Metrics.TaskManagement)
	prometheus.MustRegister(Metrics.SCSICommands)
	prometheus.MustRegister(Metrics.SCSIDurationSeconds)
	prometheus.MustRegister(Metrics.Connections)
	prometheus.MustRegister(Metrics.Sessions)
}
