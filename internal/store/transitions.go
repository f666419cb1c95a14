package store

import "opdflow/internal/models"

// StatusAny matches any status except the terminal one.
const StatusAny = "*"

// transitionMap lists, per action, the patient statuses the action may be
// applied from. A completed patient only accepts end_visit, which stays
// callable so a visit completed through the generic status path can still be
// reconciled (stray queue entries removed, referral fields cleared).
var transitionMap = map[string][]string{
	"allocate":   {StatusAny},
	"refer":      {StatusAny},
	"set_status": {StatusAny},
	"end_visit":  {StatusAny, models.StatusCompleted},
}

func ValidTransition(action, fromStatus string) bool {
	allowed, ok := transitionMap[action]
	if !ok {
		return false
	}
	for _, status := range allowed {
		if status == fromStatus {
			return true
		}
		if status == StatusAny && fromStatus != models.StatusCompleted {
			return true
		}
	}
	return false
}
