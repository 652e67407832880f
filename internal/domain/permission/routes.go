package permission

// Route pairs a permission key with the page it unlocks.
type Route struct {
	Key  string
	Path string
}

// FallbackRoute is the landing route used when no priority entry matches.
const FallbackRoute = "/profile"

// DefaultPriority is the order in which landing routes are tried.
var DefaultPriority = []Route{
	{Key: EmailList, Path: "/inbox"},
	{Key: SendEmail, Path: "/compose"},
	{Key: BulkSend, Path: "/bulk-send"},
	{Key: UserManagement, Path: "/admin/users"},
	{Key: RoleManagement, Path: "/admin/roles"},
	{Key: FAQ, Path: "/faq"},
}

// FirstAllowed returns the first route in priority whose key is in granted,
// or fallback when none match.
func FirstAllowed(priority []Route, granted Set, fallback string) string {
	for _, r := range priority {
		if granted.Has(r.Key) {
			return r.Path
		}
	}
	return fallback
}

// KeyForPath returns the permission key guarding path, if any.
func KeyForPath(priority []Route, path string) (string, bool) {
	for _, r := range priority {
		if r.Path == path {
			return r.Key, true
		}
	}
	return "", false
}
