// Package pointcloud owns the in-memory data model shared by every stage of
// the loading pipeline.
//
// Responsibilities: the raw per-point attribute arrays produced by format
// readers (RawAttributes), the immutable renderer-ready Dataset, and the
// geometry value types (Box, Sphere, Normalization) computed along the way.
//
// Dependency rule: this package depends on nothing else in the module; the
// formats, sanitize, downsample, normalize, colorize and quality packages
// depend on it, never the other way round.
package pointcloud
