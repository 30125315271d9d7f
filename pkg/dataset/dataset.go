// Package dataset turns an UrbanSound8K-style metadata table and its MFCC
// features into fixed-shape training tensors.
//
// The package covers the table side of the pipeline: reading the metadata
// CSV, holding out a fold, encoding class names, padding feature matrices
// to a common time length, and splitting off a stratified validation set.
// Feature matrices themselves come from package mfcc; FeatureCache keeps
// them in a kv.Store between runs.
package dataset

import "errors"

var (
	// ErrNoRows is returned when a metadata file has a header but no data.
	ErrNoRows = errors.New("dataset: no rows")

	// ErrEmptyPartition is returned when a split leaves one side empty.
	ErrEmptyPartition = errors.New("dataset: empty partition")

	// ErrUnknownLabel is returned when encoding a class the encoder was
	// not fitted on.
	ErrUnknownLabel = errors.New("dataset: unknown label")
)
