package stealth

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	rodstealth "github.com/go-rod/stealth"
)

// Evasion is a versioned set of overrides injected before any page script
// runs. Variants can be swapped from configuration without touching the
// login flow.
type Evasion interface {
	Name() string
	Version() int
	// Script returns the JavaScript to evaluate on every new document.
	Script(fp Fingerprint) string
}

// NavigatorEvasion masks the navigator properties most detectors read first:
// webdriver, chrome.runtime, languages and plugins.
type NavigatorEvasion struct{}

func (NavigatorEvasion) Name() string { return "navigator" }
func (NavigatorEvasion) Version() int { return 1 }

func (NavigatorEvasion) Script(fp Fingerprint) string {
	langs, _ := json.Marshal(fp.Languages())
	return fmt.Sprintf(navigatorScript, langs)
}

const navigatorScript = `(() => {
	try {
		Object.defineProperty(navigator, 'webdriver', { get: () => undefined, configurable: true });
		window.chrome = window.chrome || {};
		window.chrome.runtime = window.chrome.runtime || {};
		Object.defineProperty(navigator, 'languages', { get: () => %s, configurable: true });
		Object.defineProperty(navigator, 'plugins', { get: () => [1, 2, 3, 4, 5], configurable: true });
	} catch (e) {}
})();`

// RodStealthEvasion layers the navigator overrides on top of the go-rod
// stealth bundle, which also patches permissions, WebGL vendor strings and
// iframe contentWindow checks.
type RodStealthEvasion struct{}

func (RodStealthEvasion) Name() string { return "rod-stealth" }
func (RodStealthEvasion) Version() int { return 2 }

func (RodStealthEvasion) Script(fp Fingerprint) string {
	return rodstealth.JS + "\n" + NavigatorEvasion{}.Script(fp)
}

var evasions = map[string]Evasion{
	NavigatorEvasion{}.Name():  NavigatorEvasion{},
	RodStealthEvasion{}.Name(): RodStealthEvasion{},
}

// EvasionByName looks up a registered variant
func EvasionByName(name string) (Evasion, error) {
	if name == "" {
		return NavigatorEvasion{}, nil
	}
	e, ok := evasions[name]
	if !ok {
		return nil, fmt.Errorf("unknown evasion profile %q (available: %s)", name, strings.Join(EvasionNames(), ", "))
	}
	return e, nil
}

// EvasionNames lists the registered variants
func EvasionNames() []string {
	names := make([]string, 0, len(evasions))
	for n := range evasions {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
