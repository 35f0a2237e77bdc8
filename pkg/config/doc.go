// Package config loads the planctl YAML configuration.
//
// A file overlays Default(): sections that are absent keep their defaults and
// unknown fields are rejected. Validation runs the validator struct tags of
// every section and then the cross-field rules, such as the session date range
// end not preceding its start.
//
// WatchOptions re-reads the file on change, collapsing bursts of events into
// one reload, and delivers the plan options of each valid reload to a
// callback. planctl watch feeds those options into Session.SetOptions and
// Session.Run, where the run invoker debounces them again.
package config
