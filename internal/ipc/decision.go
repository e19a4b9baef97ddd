package ipc

import "github.com/rbright/portguard/internal/secret"

// Decision is the outcome of evaluating one inbound shutdown request.
type Decision int

const (
	DecisionPasswordNotFound Decision = iota + 1
	DecisionPasswordIncorrect
	DecisionPasswordCorrect
	DecisionAutoComplianceEnabled
)

type decisionInfo struct {
	name    string
	code    string
	message string
	comply  bool
}

var decisions = map[Decision]decisionInfo{
	DecisionPasswordNotFound: {
		name:    "PASSWORD_NOT_FOUND",
		code:    "password_not_found",
		message: "Shutdown request denied, password not set",
	},
	DecisionPasswordIncorrect: {
		name:    "PASSWORD_INCORRECT",
		code:    "password_incorrect",
		message: "Shutdown request denied, password incorrect",
	},
	DecisionPasswordCorrect: {
		name:    "PASSWORD_CORRECT",
		code:    "password_correct",
		message: "Shutdown request accepted, password correct",
		comply:  true,
	},
	DecisionAutoComplianceEnabled: {
		name:    "AUTO_COMPLIANCE_ENABLED",
		code:    "auto_compliance_enabled",
		message: "Shutdown request accepted, auto-compliance enabled",
		comply:  true,
	},
}

func (d Decision) ShouldComply() bool { return decisions[d].comply }

// Message is the canonical text sent as the response content.
func (d Decision) Message() string { return decisions[d].message }

// Code is the wire discriminant sent in the response decision field.
func (d Decision) Code() string { return decisions[d].code }

func (d Decision) String() string {
	if info, ok := decisions[d]; ok {
		return info.name
	}
	return "UNKNOWN"
}

func DecisionFromCode(code string) (Decision, bool) {
	for d, info := range decisions {
		if info.code == code {
			return d, true
		}
	}
	return 0, false
}

// DecisionFromMessage maps a canonical message back to its decision. It
// exists for peers that do not send a decision code.
func DecisionFromMessage(message string) (Decision, bool) {
	for d, info := range decisions {
		if info.message == message {
			return d, true
		}
	}
	return 0, false
}

// Policy controls how inbound shutdown requests are answered.
type Policy struct {
	AutoComply bool
	Secret     *secret.Secret
}

// Decide evaluates a request whose content is the peer's password digest.
func Decide(policy Policy, content string) Decision {
	if policy.AutoComply {
		return DecisionAutoComplianceEnabled
	}
	if policy.Secret.IsEmpty() {
		return DecisionPasswordNotFound
	}
	if policy.Secret.MatchesHash(content) {
		return DecisionPasswordCorrect
	}
	return DecisionPasswordIncorrect
}
