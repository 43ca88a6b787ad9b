// Package enrollment implements the badge enrollment lifecycle: students
// request a badge class, issuers deny requests, and students withdraw
// their own pending requests. Lifecycle transitions invalidate the
// badge class's derived enrollment views and trigger notification emails.
//
// Validation failures are reported as httputil.APIError values with
// stable numeric codes that front ends branch on.
package enrollment
