package emr

import "errors"

var (
	// ErrBadCredentials means the EMR rejected the login form. Retrying
	// cannot help; the run must abort.
	ErrBadCredentials = errors.New("emr: bad credentials")

	// ErrSessionExpired means a navigation landed back on the login page.
	// The caller re-authenticates and resumes.
	ErrSessionExpired = errors.New("emr: session expired")

	// ErrNavigationTimeout covers a page or marker element that never
	// showed up within the configured wait.
	ErrNavigationTimeout = errors.New("emr: navigation timeout")

	// ErrTabNotFound means the case detail view rendered without the
	// classification tab.
	ErrTabNotFound = errors.New("emr: classification tab not found")

	// ErrSessionBusy means another extraction is already driving this
	// browser session.
	ErrSessionBusy = errors.New("emr: session busy")
)
