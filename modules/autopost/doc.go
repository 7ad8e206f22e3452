// Package autopost posts unprompted notes at random intervals.
//
// Each cycle draws a uniform delay between the configured bounds, waits, asks
// the completion client for a note using the autonomous memory as history and
// publishes it through the shared note sender. Posted text is appended to the
// autonomous memory so later posts can avoid repeating themselves.
package autopost
