package policy

// BuiltinPolicies returns the ethics policies shipped with the binary.
func BuiltinPolicies() []Policy {
	return []Policy{
		contentSafetyPolicy(),
		consentPolicy(),
		misuseRiskPolicy(),
		blockedUserPolicy(),
	}
}

// contentSafetyPolicy rejects impersonation, fraud and content involving minors.
func contentSafetyPolicy() Policy {
	return Policy{
		Name:        "content-safety",
		Description: "Rejects impersonation, fraud and content involving minors",
		Severity:    SeverityCritical,
		Enabled:     true,
		Builtin:     true,
		Rego: `package conductor.policies.content

import rego.v1

prohibited_keywords := {
	"clone", "impersonate", "fraud", "fake", "deceive", "counterfeit",
	"복제", "모방", "사기", "속임", "위조", "가짜",
}

minor_keywords := {
	"minor", "child", "teenager", "under 18", "kid",
	"미성년자", "아동", "청소년", "18세 미만", "어린이",
}

deny contains violation if {
	some kw in prohibited_keywords
	contains(input.prompt, kw)
	violation := {
		"rule": "prohibited_content",
		"message": "Impersonation, cloning or fraud is not allowed",
		"severity": "critical",
	}
}

deny contains violation if {
	some kw in minor_keywords
	contains(input.prompt, kw)
	violation := {
		"rule": "minor_protection",
		"message": "Content involving minors is not allowed",
		"severity": "critical",
	}
}`,
	}
}

// consentPolicy requires consent before a real person is depicted.
func consentPolicy() Policy {
	return Policy{
		Name:        "consent",
		Description: "Requires consent for living subjects, memorials and commercial use",
		Severity:    SeverityError,
		Enabled:     true,
		Builtin:     true,
		Rego: `package conductor.policies.consent

import rego.v1

living_keywords := {
	"living", "alive", "current", "now",
	"생존", "살아있는", "현재", "지금",
}

living_subject if input.subject_status == "living"

# Keywords only mark a living subject when the request names a person.
living_subject if {
	input.subject_name != ""
	input.subject_status == ""
	some kw in living_keywords
	contains(input.prompt, kw)
}

deny contains violation if {
	living_subject
	not input.consent.type == "self"
	violation := {
		"rule": "living_subject_consent",
		"message": "A living person may only be depicted with their own consent",
		"severity": "error",
		"required_action": "self_consent",
	}
}

deny contains violation if {
	input.purpose == "memorial"
	living_subject
	violation := {
		"rule": "memorial_living_subject",
		"message": "Memorial content cannot depict a living person",
		"severity": "critical",
	}
}

deny contains violation if {
	input.purpose == "memorial"
	not living_subject
	not input.consent.present
	violation := {
		"rule": "memorial_consent",
		"message": "Memorial content requires consent from a legal guardian or family member",
		"severity": "error",
		"required_action": "guardian_consent",
	}
}

deny contains violation if {
	input.purpose == "commercial"
	input.subject_name != ""
	not input.consent.commercial_use
	violation := {
		"rule": "commercial_consent",
		"message": "Commercial use of a person requires explicit commercial consent",
		"severity": "error",
		"required_action": "commercial_consent",
	}
}`,
	}
}

// misuseRiskPolicy warns about political and proxy decision use.
func misuseRiskPolicy() Policy {
	return Policy{
		Name:        "misuse-risk",
		Description: "Warns about political or proxy decision use",
		Severity:    SeverityWarning,
		Enabled:     true,
		Builtin:     true,
		Rego: `package conductor.policies.risk

import rego.v1

risk_keywords := {
	"politics", "election", "vote", "decision", "proxy",
	"정치", "선거", "투표", "의사결정", "대리",
}

warn contains violation if {
	some kw in risk_keywords
	contains(input.prompt, kw)
	violation := {
		"rule": "political_use",
		"message": "Political or proxy decision use carries a misuse risk",
		"severity": "warning",
	}
}`,
	}
}

// blockedUserPolicy denies requests from users on the block list.
func blockedUserPolicy() Policy {
	return Policy{
		Name:        "blocked-user",
		Description: "Denies requests from blocked users",
		Severity:    SeverityCritical,
		Enabled:     true,
		Builtin:     true,
		Rego: `package conductor.policies.users

import rego.v1

deny contains violation if {
	input.user_blocked
	violation := {
		"rule": "blocked_user",
		"message": "User is blocked",
		"severity": "critical",
	}
}`,
	}
}
