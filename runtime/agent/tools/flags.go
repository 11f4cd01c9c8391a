package tools

import (
	"strings"

	"github.com/Apex-Business-Apps/APEX-OmniLink/runtime/agent/manmode"
)

// irreversibleTools cannot be undone once they leave the system boundary (or
// only through a registered compensation, which is remediation, not undo).
var irreversibleTools = map[string]struct{}{
	"send_email":     {},
	"call_webhook":   {},
	"create_record":  {},
	"delete_record":  {},
	"book_flight":    {},
	"delete_user":    {},
	"process_refund": {},
}

// rightsAffectingTools change what a person can do or access.
var rightsAffectingTools = map[string]struct{}{
	"update_user":        {},
	"delete_user":        {},
	"change_permissions": {},
}

// sensitiveParamHints flag parameters that carry credential material.
// Matched as substrings of lower-cased keys.
var sensitiveParamHints = []string{
	"password", "secret", "token", "key",
}

// DeriveFlags computes the risk attributes of a tool invocation from the
// known-tool sets and the parameter keys. Planner-authored flags, when
// present, should be OR-ed on top by the caller; derivation only ever adds
// risk, never removes it.
func DeriveFlags(toolName string, params map[string]any) manmode.IntentFlags {
	flags := manmode.IntentFlags{}
	if _, ok := irreversibleTools[toolName]; ok {
		flags.Irreversible = true
	}
	if _, ok := rightsAffectingTools[toolName]; ok {
		flags.AffectsRights = true
	}
	for key := range params {
		lower := strings.ToLower(key)
		for _, hint := range sensitiveParamHints {
			if strings.Contains(lower, hint) {
				flags.ContainsSensitiveData = true
				return flags
			}
		}
	}
	return flags
}
