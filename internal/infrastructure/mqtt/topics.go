package mqtt

import (
	"fmt"
	"strings"
)

// TopicPrefix is the root of every topic the bridge publishes or consumes.
//
// Layout:
//
//	acqboard/state/{board}/{parameter}   retained parameter values
//	acqboard/command/{board}             get/set/fetch/run requests
//	acqboard/ack/{board}                 command results
//	acqboard/error/{board}               asynchronous board errors
//	acqboard/transfer/{board}            bulk transfer summaries
//	acqboard/health/{board}              retained bridge health
//	acqboard/system/status               retained online/offline + LWT
const TopicPrefix = "acqboard"

// Topics provides builders for bridge MQTT topics.
//
//	topics := mqtt.Topics{}
//	topics.State("adc8-lab", "CONFIG:OP_MODE")
//	// Returns: "acqboard/state/adc8-lab/CONFIG:OP_MODE"
type Topics struct{}

// State returns the retained value topic for one board parameter.
func (Topics) State(board, parameter string) string {
	return fmt.Sprintf("%s/state/%s/%s", TopicPrefix, board, parameter)
}

// Command returns the topic the bridge listens on for board commands.
func (Topics) Command(board string) string {
	return fmt.Sprintf("%s/command/%s", TopicPrefix, board)
}

// Ack returns the topic command results are published on.
func (Topics) Ack(board string) string {
	return fmt.Sprintf("%s/ack/%s", TopicPrefix, board)
}

// Error returns the topic asynchronous board errors are published on.
func (Topics) Error(board string) string {
	return fmt.Sprintf("%s/error/%s", TopicPrefix, board)
}

// Transfer returns the topic bulk transfer summaries are published on.
func (Topics) Transfer(board string) string {
	return fmt.Sprintf("%s/transfer/%s", TopicPrefix, board)
}

// Health returns the retained health topic for a board.
func (Topics) Health(board string) string {
	return fmt.Sprintf("%s/health/%s", TopicPrefix, board)
}

// SystemStatus returns the bridge's online/offline status topic.
func (Topics) SystemStatus() string {
	return TopicPrefix + "/system/status"
}

// AllStates matches every parameter state of every board.
func (Topics) AllStates() string {
	return TopicPrefix + "/state/+/+"
}

// AllCommands matches commands for every board.
func (Topics) AllCommands() string {
	return TopicPrefix + "/command/+"
}

// AllErrors matches asynchronous errors of every board.
func (Topics) AllErrors() string {
	return TopicPrefix + "/error/+"
}

// AllTopics matches all bridge traffic. Use with caution.
func (Topics) AllTopics() string {
	return TopicPrefix + "/#"
}

// ParseTopic splits a bridge topic into its category, board and optional
// parameter. ok is false for topics outside the bridge layout.
//
//	ParseTopic("acqboard/state/adc8-lab/STATUS:STATE")
//	// Returns: "state", "adc8-lab", "STATUS:STATE", true
func ParseTopic(topic string) (category, board, parameter string, ok bool) {
	parts := strings.Split(topic, "/")
	if len(parts) < 3 || parts[0] != TopicPrefix {
		return "", "", "", false
	}
	category, board = parts[1], parts[2]
	if category == "system" || board == "" {
		return "", "", "", false
	}
	switch len(parts) {
	case 3:
		return category, board, "", category != "state"
	case 4:
		if category != "state" || parts[3] == "" {
			return "", "", "", false
		}
		return category, board, parts[3], true
	default:
		return "", "", "", false
	}
}
