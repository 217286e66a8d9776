// Package mantis defines core types shared across the scan pipeline.
package mantis
