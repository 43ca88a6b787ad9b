// Package lti associates badge classes with LTI course contexts and tracks
// which context a user last launched from. The login callback records
// tenant membership and the current context; front ends query the current
// context to scope badge class listings to the active course.
package lti
