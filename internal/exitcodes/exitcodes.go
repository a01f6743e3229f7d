package exitcodes

// Exit codes for the cuehost binary. These form the operational contract
// with the boot supervisor: a successful launch passes the application's
// own exit code through, so cuehost's own failure codes sit outside the
// range the application uses.
const (
	Success      = 0
	BadConfig    = 2   // configuration file invalid or unreadable
	NotStartable = 125 // main application could not be started at all
)
