package domain

import (
	"time"

	"github.com/google/uuid"
)

// Category is a fixed content type used to pick an upscale provider.
type Category string

const (
	CategoryPortrait    Category = "portrait"
	CategoryClarity     Category = "clarity"
	CategoryProduct     Category = "product"
	CategoryAnime       Category = "anime"
	CategoryRestoration Category = "restoration"
)

// Categories lists every valid category in display order.
var Categories = []Category{
	CategoryPortrait,
	CategoryClarity,
	CategoryProduct,
	CategoryAnime,
	CategoryRestoration,
}

// ValidCategory reports whether c is one of the five supported categories.
func ValidCategory(c Category) bool {
	switch c {
	case CategoryPortrait, CategoryClarity, CategoryProduct, CategoryAnime, CategoryRestoration:
		return true
	}
	return false
}

// Provider names an external upscaling backend.
type Provider string

const (
	ProviderClaid   Provider = "claid"
	ProviderFal     Provider = "fal"
	ProviderRunware Provider = "runware"
)

// ValidScale reports whether scale is a supported upscale factor.
func ValidScale(scale int) bool {
	return scale == 2 || scale == 4
}

// JobStatus is the lifecycle state of an upscale job.
type JobStatus string

const (
	JobStatusProcessing JobStatus = "processing"
	JobStatusDone       JobStatus = "done"
	JobStatusFailed     JobStatus = "failed"
)

// Terminal reports whether the status admits no further transitions.
func (s JobStatus) Terminal() bool {
	return s == JobStatusDone || s == JobStatusFailed
}

// UpscaleJob records one upscale request from submission to a terminal
// outcome. Status moves processing -> done or processing -> failed exactly
// once; OutputURL is set only on done, ErrorMsg only on failed.
type UpscaleJob struct {
	ID          uuid.UUID
	UserID      uuid.UUID
	Category    Category
	Provider    Provider
	Scale       int
	Status      JobStatus
	InputURL    string
	OutputURL   string
	ErrorMsg    string
	CreditsUsed int64
	CreatedAt   time.Time
	CompletedAt *time.Time
}
