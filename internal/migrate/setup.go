package migrate

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/m-mizutani/goerr/v2"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"chbuild/internal/approval"
	"chbuild/internal/workflow"
)

const clickhouseClient = "@clickhouse/client"

// SetupResult reports what the setup stage did to package.json.
type SetupResult struct {
	Action  string `json:"action"`
	Current string `json:"current_version,omitempty"`
	Latest  string `json:"latest_version,omitempty"`
	Message string `json:"message"`
}

const (
	ActionNone      = "none"
	ActionInstalled = "installed"
	ActionUpgraded  = "upgraded"
	ActionUpToDate  = "no_action_needed"
	ActionRejected  = "rejected"
)

func (d *Deps) setup(ctx context.Context, rc *workflow.RunContext) (workflow.Result, error) {
	res, err := d.ensureClient(ctx, rc)
	if err != nil {
		return workflow.Result{}, err
	}
	return workflow.Result{Detail: res.Message, Output: res}, nil
}

// ensureClient adds or bumps @clickhouse/client in package.json. The edit
// goes through the approval gate; installing is left to the project's
// package manager.
func (d *Deps) ensureClient(ctx context.Context, rc *workflow.RunContext) (SetupResult, error) {
	path := filepath.Join(rc.RepoPath, "package.json")
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return SetupResult{Action: ActionNone, Message: "no package.json"}, nil
	}
	if err != nil {
		return SetupResult{}, goerr.Wrap(err, "read package.json", goerr.V("path", path))
	}
	if !gjson.ValidBytes(data) {
		return SetupResult{}, goerr.New("package.json is not valid JSON", goerr.V("path", path))
	}

	latest, err := d.NPM.Latest(ctx, clickhouseClient)
	if err != nil {
		return SetupResult{}, err
	}
	res := SetupResult{Latest: latest}

	section := ""
	for _, sec := range []string{"dependencies", "devDependencies"} {
		if v := gjson.GetBytes(data, depPath(sec)); v.Exists() {
			section, res.Current = sec, v.String()
			break
		}
	}

	switch {
	case section == "":
		section = "dependencies"
		res.Action = ActionInstalled
	default:
		newer, err := isNewer(latest, res.Current)
		if err != nil {
			return SetupResult{}, err
		}
		if !newer {
			res.Action = ActionUpToDate
			res.Message = fmt.Sprintf("%s is already up to date at %s", clickhouseClient, res.Current)
			return res, nil
		}
		res.Action = ActionUpgraded
	}

	want := "^" + latest
	proposed, err := sjson.SetBytes(data, depPath(section), want)
	if err != nil {
		return SetupResult{}, goerr.Wrap(err, "update package.json")
	}

	original := string(data)
	ok, err := rc.Gate.Decide(ctx, approval.Change{
		Path:     "package.json",
		Kind:     approval.KindUpdate,
		Proposed: string(proposed),
		Original: &original,
	}, d.Prompter)
	if err != nil {
		return SetupResult{}, err
	}
	if !ok {
		res.Action = ActionRejected
		res.Message = fmt.Sprintf("%s change to package.json was rejected", clickhouseClient)
		return res, nil
	}

	mode := os.FileMode(0644)
	if info, err := os.Stat(path); err == nil {
		mode = info.Mode().Perm()
	}
	if err := os.WriteFile(path, proposed, mode); err != nil {
		return SetupResult{}, goerr.Wrap(err, "write package.json", goerr.V("path", path))
	}

	if res.Action == ActionInstalled {
		res.Message = fmt.Sprintf("added %s@%s to package.json; run your package manager's install", clickhouseClient, want)
	} else {
		res.Message = fmt.Sprintf("upgraded %s from %s to %s; run your package manager's install", clickhouseClient, res.Current, want)
	}
	return res, nil
}

// depPath builds a gjson/sjson path for the client under section. The @
// must be escaped or gjson reads it as a modifier.
func depPath(section string) string {
	return section + `.\@clickhouse/client`
}

// isNewer reports whether latest is above the version in a range such as
// ^1.2.0 or ~1.2.0.
func isNewer(latest, current string) (bool, error) {
	lv, err := semver.NewVersion(latest)
	if err != nil {
		return false, goerr.Wrap(err, "parse latest version", goerr.V("version", latest))
	}
	clean := strings.TrimLeft(strings.TrimSpace(current), "^~=v")
	cv, err := semver.NewVersion(clean)
	if err != nil {
		return false, goerr.Wrap(err, "parse current version", goerr.V("version", current))
	}
	return lv.GreaterThan(cv), nil
}
