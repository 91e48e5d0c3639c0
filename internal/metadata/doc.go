// Package metadata defines the domain model for the metadata ingestion
// pipeline: the persisted record and its status lifecycle, the task envelope
// exchanged over the broker, and URL canonicalization shared by the API and
// the worker.
package metadata
