// Package callflow executes RESTXML call-flow documents against an outbound
// Event Socket session: it fetches the document from the target URL, parses
// the verb tree and runs each verb against the channel.
package callflow

import (
	"encoding/xml"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// MaxLoops caps loop attributes; a loop of 0 means repeat this many times.
const MaxLoops = 10000

// MaxRedirects bounds the fetch-parse-execute loop of one session.
const MaxRedirects = 10000

var (
	// ErrUnknownVerb is raised when the document contains a tag outside the
	// verb set.
	ErrUnknownVerb = errors.New("callflow: unrecognized verb")

	// ErrFormat is raised for structurally invalid documents or values.
	ErrFormat = errors.New("callflow: invalid document")

	// ErrAttribute is raised for invalid attribute values.
	ErrAttribute = errors.New("callflow: invalid attribute")
)

// Redirect is the control-flow result of a verb that replaces the target URL
// and restarts the document loop.
type Redirect struct {
	URL    string
	Params url.Values
	Method string
}

// Verb is one executable node of the document tree.
type Verb interface {
	// VerbName returns the tag name.
	VerbName() string
	// Execute runs the verb on the session. A non-nil Redirect replaces the
	// current document.
	Execute(s *CallSession) (*Redirect, error)
}

// preparer is implemented by verbs with pre-fetch side effects (media
// caching) run before execution starts.
type preparer interface {
	prepare(s *CallSession)
}

// Per-verb default attributes, merged under the XML attributes at parse
// time.
var defaultParams = map[string]map[string]string{
	"Conference": {
		"waitSound":              "",
		"muted":                  "false",
		"startConferenceOnEnter": "true",
		"endConferenceOnExit":    "false",
		"stayAlone":              "true",
		"maxMembers":             "200",
		"enterSound":             "",
		"exitSound":              "",
		"timeLimit":              "0",
		"hangupOnStar":           "false",
		"record":                 "false",
		"recordFilePath":         "",
		"recordFileFormat":       "mp3",
		"recordFileName":         "",
		"action":                 "",
		"method":                 "POST",
		"callbackUrl":            "",
		"callbackMethod":         "POST",
		"digitsMatch":            "",
		"floorEvent":             "false",
	},
	"Dial": {
		"action":         "",
		"method":         "POST",
		"timeout":        "-1",
		"hangupOnStar":   "false",
		"timeLimit":      "0",
		"confirmSound":   "",
		"confirmKey":     "",
		"dialMusic":      "",
		"redirect":       "true",
		"callbackUrl":    "",
		"callbackMethod": "POST",
		"digitsMatch":    "",
	},
	"GetDigits": {
		"action":             "",
		"method":             "POST",
		"timeout":            "5",
		"finishOnKey":        "#",
		"numDigits":          "99",
		"retries":            "1",
		"playBeep":           "false",
		"validDigits":        "0123456789*#",
		"invalidDigitsSound": "",
	},
	"Hangup": {
		"reason":   "",
		"schedule": "0",
	},
	"Number": {
		"sendDigits": "",
	},
	"Wait": {
		"length":          "1",
		"transferEnabled": "false",
	},
	"Play": {
		"loop": "1",
	},
	"PreAnswer": {},
	"Record": {
		"action":      "",
		"method":      "POST",
		"timeout":     "15",
		"finishOnKey": "1234567890*#",
		"maxLength":   "60",
		"playBeep":    "true",
		"filePath":    "/usr/local/freeswitch/recordings/",
		"fileFormat":  "mp3",
		"fileName":    "",
		"bothLegs":    "false",
	},
	"Redirect": {
		"method": "POST",
	},
	"Speak": {
		"voice":    "slt",
		"language": "en",
		"loop":     "1",
		"engine":   "flite",
		"method":   "",
		"type":     "",
	},
}

// Allowed children per verb; verbs absent from this map admit none.
var nestables = map[string][]string{
	"Dial":      {"Number"},
	"GetDigits": {"Play", "Speak", "Wait"},
	"PreAnswer": {"Play", "Speak", "GetDigits", "Wait"},
}

// node is the raw parsed XML element.
type node struct {
	XMLName  xml.Name
	Attrs    []xml.Attr `xml:",any,attr"`
	Text     string     `xml:",chardata"`
	Children []node     `xml:",any"`
}

// attrs merges the verb's defaults with the element attributes; attributes
// override defaults.
func (n *node) attrs() map[string]string {
	merged := make(map[string]string)
	for k, v := range defaultParams[n.XMLName.Local] {
		merged[k] = v
	}
	for _, a := range n.Attrs {
		merged[a.Name.Local] = a.Value
	}
	return merged
}

func (n *node) text() string { return strings.TrimSpace(n.Text) }

type attrMap map[string]string

func (m attrMap) str(key string) string { return m[key] }

func (m attrMap) boolean(key string) bool { return m[key] == "true" }

// integer returns the attribute as an int, def on absence or garbage.
func (m attrMap) integer(key string, def int) int {
	v, ok := m[key]
	if !ok || v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

// method validates a GET/POST attribute.
func (m attrMap) method(key string) (string, error) {
	v := m[key]
	if v != "GET" && v != "POST" {
		return "", fmt.Errorf("%w: %s must be 'GET' or 'POST'", ErrAttribute, key)
	}
	return v, nil
}

// loopTimes normalizes a loop attribute: 0 (or overflow) plays MaxLoops
// times, negatives are rejected.
func (m attrMap) loopTimes(key string) (int, error) {
	n := m.integer(key, 1)
	if n < 0 {
		return 0, fmt.Errorf("%w: %s must be a positive integer or 0", ErrFormat, key)
	}
	if n == 0 || n > MaxLoops {
		return MaxLoops, nil
	}
	return n, nil
}

// ParseDocument lexes and parses a RESTXML document into the verb list.
func ParseDocument(doc []byte) ([]Verb, error) {
	var root node
	if err := xml.Unmarshal(doc, &root); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFormat, err)
	}
	if root.XMLName.Local != "Response" {
		return nil, fmt.Errorf("%w: root element must be Response, got %q", ErrFormat, root.XMLName.Local)
	}
	verbs := make([]Verb, 0, len(root.Children))
	for i := range root.Children {
		v, err := parseVerb(&root.Children[i], "Response")
		if err != nil {
			return nil, err
		}
		verbs = append(verbs, v)
	}
	return verbs, nil
}

func parseVerb(n *node, parent string) (Verb, error) {
	name := n.XMLName.Local
	if _, known := defaultParams[name]; !known {
		return nil, fmt.Errorf("%w: %q", ErrUnknownVerb, name)
	}
	if parent != "Response" {
		allowed := false
		for _, a := range nestables[parent] {
			if a == name {
				allowed = true
				break
			}
		}
		if !allowed {
			return nil, fmt.Errorf("%w: %s not allowed inside %s", ErrFormat, name, parent)
		}
	}

	var v Verb
	var err error
	switch name {
	case "Conference":
		v, err = parseConference(n)
	case "Dial":
		v, err = parseDial(n)
	case "GetDigits":
		v, err = parseGetDigits(n)
	case "Hangup":
		v, err = parseHangup(n)
	case "Number":
		v, err = parseNumber(n)
	case "Play":
		v, err = parsePlay(n)
	case "PreAnswer":
		v, err = parsePreAnswer(n)
	case "Record":
		v, err = parseRecord(n)
	case "Redirect":
		v, err = parseRedirectVerb(n)
	case "Speak":
		v, err = parseSpeak(n)
	case "Wait":
		v, err = parseWait(n)
	}
	if err != nil {
		return nil, err
	}
	return v, nil
}

func parseChildren(n *node) ([]Verb, error) {
	children := make([]Verb, 0, len(n.Children))
	for i := range n.Children {
		child, err := parseVerb(&n.Children[i], n.XMLName.Local)
		if err != nil {
			return nil, err
		}
		children = append(children, child)
	}
	return children, nil
}
