package tag

import (
	"fmt"
	"regexp"
	"slices"
	"strconv"
	"strings"

	"github.com/blang/semver/v4"
)

// Kind classifies a registry tag on the observatory build timeline.
type Kind string

const (
	KindRelease          Kind = "release"
	KindReleaseCandidate Kind = "release_candidate"
	KindWeekly           Kind = "weekly"
	KindDaily            Kind = "daily"
	KindExperimental     Kind = "experimental"
	KindAlias            Kind = "alias"
	KindUnknown          Kind = "unknown"
)

// Tag is a parsed registry tag. Version is nil for kinds that carry no
// ordering information (alias, experimental, unknown). Cycle is -1 unless
// the tag embeds a _cNNNN.NNN style cycle marker.
type Tag struct {
	Raw     string
	Kind    Kind
	Display string
	Version *semver.Version
	Cycle   int
}

const defaultDockerTag = "latest"

// Tag grammar fragments. Combined below into full patterns, matched in
// order: release candidates must precede releases because an rc tag also
// looks like a release tag with a non-empty trailing part.
const (
	reRelease = `r(?P<major>\d+)_(?P<minor>\d+)_(?P<patch>\d+)`
	reRC      = `r(?P<major>\d+)_(?P<minor>\d+)_(?P<patch>\d+)_rc(?P<pre>\d+)`
	reWeekly  = `w_(?P<year>\d+)_(?P<week>\d+)`
	reDaily   = `d_(?P<year>\d+)_(?P<month>\d+)_(?P<day>\d+)`
	reExp     = `exp_(?P<rest>.*)`
	reCycle   = `_(?P<ctag>c|csal)(?P<cycle>\d+\.\d+)`
	reRest    = `_(?P<rest>.*)`
)

type pattern struct {
	kind Kind
	re   *regexp.Regexp
}

var patterns = []pattern{
	// r23_0_0_rc1_c0020.001_20210513
	{KindReleaseCandidate, regexp.MustCompile(`^` + reRC + reCycle + reRest + `$`)},
	// r23_0_0_rc1_c0020.001
	{KindReleaseCandidate, regexp.MustCompile(`^` + reRC + reCycle + `$`)},
	// r23_0_0_rc1_20210513
	{KindReleaseCandidate, regexp.MustCompile(`^` + reRC + reRest + `$`)},
	// r23_0_0_rc1
	{KindReleaseCandidate, regexp.MustCompile(`^` + reRC + `$`)},
	// r22_0_1_c0019.001_20210513
	{KindRelease, regexp.MustCompile(`^` + reRelease + reCycle + reRest + `$`)},
	// r22_0_1_c0019.001
	{KindRelease, regexp.MustCompile(`^` + reRelease + reCycle + `$`)},
	// r22_0_1_20210513
	{KindRelease, regexp.MustCompile(`^` + reRelease + reRest + `$`)},
	// r22_0_1
	{KindRelease, regexp.MustCompile(`^` + reRelease + `$`)},
	// r170 (obsolete two-digit form, no new ones)
	{KindRelease, regexp.MustCompile(`^r(?P<major>\d\d)(?P<minor>\d)$`)},
	// w_2021_13_c0020.001_20210513
	{KindWeekly, regexp.MustCompile(`^` + reWeekly + reCycle + reRest + `$`)},
	// w_2021_13_c0020.001
	{KindWeekly, regexp.MustCompile(`^` + reWeekly + reCycle + `$`)},
	// w_2021_13_20210513
	{KindWeekly, regexp.MustCompile(`^` + reWeekly + reRest + `$`)},
	// w_2021_13
	{KindWeekly, regexp.MustCompile(`^` + reWeekly + `$`)},
	// d_2021_05_13_c0019.001_20210513
	{KindDaily, regexp.MustCompile(`^` + reDaily + reCycle + reRest + `$`)},
	// d_2021_05_13_c0019.001
	{KindDaily, regexp.MustCompile(`^` + reDaily + reCycle + `$`)},
	// d_2021_05_13_20210513
	{KindDaily, regexp.MustCompile(`^` + reDaily + reRest + `$`)},
	// d_2021_05_13
	{KindDaily, regexp.MustCompile(`^` + reDaily + `$`)},
	// exp_w_2021_05_13_nosudo
	{KindExperimental, regexp.MustCompile(`^` + reExp + `$`)},
}

// Parse classifies a single registry tag. Tags listed in aliasTags are
// classified as aliases regardless of their shape. Tags that are not pure
// lower case are unknown: registries flatten case, so classifying them
// would risk collisions.
func Parse(raw string, aliasTags []string) Tag {
	t := raw
	if t == "" {
		t = defaultDockerTag
	}

	if t != strings.ToLower(t) {
		return Tag{Raw: t, Kind: KindUnknown, Display: t, Cycle: -1}
	}

	if slices.Contains(aliasTags, t) {
		return Tag{Raw: t, Kind: KindAlias, Display: titlecase(t), Cycle: -1}
	}

	for _, p := range patterns {
		if md := matchGroups(p.re, t); md != nil {
			return extract(t, p.kind, md)
		}
	}

	return Tag{Raw: t, Kind: KindUnknown, Display: t, Cycle: -1}
}

func extract(raw string, kind Kind, md map[string]string) Tag {
	t := Tag{Raw: raw, Kind: kind, Display: raw, Cycle: -1}

	if kind == KindExperimental {
		// Experimental tags usually wrap another legal tag, so parse the
		// remainder again just for its display name.
		inner := Parse(md["rest"], nil)
		t.Display = "Experimental " + inner.Display

		return t
	}

	var v semver.Version
	var stem string
	switch kind {
	case KindRelease, KindReleaseCandidate:
		major, minor, patch := atoi(md["major"]), atoi(md["minor"]), atoi(md["patch"])
		v = semver.Version{Major: uint64(major), Minor: uint64(minor), Patch: uint64(patch)}
		stem = fmt.Sprintf("r%d.%d.%d", major, minor, patch)
		if pre, ok := md["pre"]; ok {
			if prv, err := semver.NewPRVersion("rc" + pre); err == nil {
				v.Pre = []semver.PRVersion{prv}
			}
			stem += "-rc" + pre
		}
	case KindWeekly:
		v = semver.Version{Major: uint64(atoi(md["year"])), Minor: uint64(atoi(md["week"]))}
		stem = fmt.Sprintf("%s_%s", md["year"], md["week"])
	case KindDaily:
		v = semver.Version{Major: uint64(atoi(md["year"])), Minor: uint64(atoi(md["month"])), Patch: uint64(atoi(md["day"]))}
		stem = fmt.Sprintf("%s_%s_%s", md["year"], md["month"], md["day"])
	}

	v.Build = buildMetadata(md)
	t.Version = &v
	t.Display = titlecase(string(kind)) + " " + stem

	if cycle, ok := md["cycle"]; ok {
		t.Cycle = cycleNumber(cycle)
		t.Display += "_" + md["ctag"] + cycle
	}
	if rest := md["rest"]; rest != "" {
		t.Display += "_" + rest
	}

	return t
}

func matchGroups(re *regexp.Regexp, s string) map[string]string {
	m := re.FindStringSubmatch(s)
	if m == nil {
		return nil
	}

	md := map[string]string{}
	for i, name := range re.SubexpNames() {
		if name != "" && m[i] != "" {
			md[name] = m[i]
		}
	}

	return md
}

var nonBuildCharsRe = regexp.MustCompile(`[^\w.]+`)

// buildMetadata turns the cycle marker and any trailing part into semver
// build identifiers, cycle first, underscores become dots.
func buildMetadata(md map[string]string) []string {
	rest := md["rest"]
	if cycle, ok := md["cycle"]; ok {
		ctag := md["ctag"] + cycle
		if rest != "" {
			rest = ctag + "_" + rest
		} else {
			rest = ctag
		}
	}
	if rest == "" {
		return nil
	}

	rest = nonBuildCharsRe.ReplaceAllString(strings.ReplaceAll(rest, "_", "."), "")

	var build []string
	for _, part := range strings.Split(rest, ".") {
		if part != "" {
			build = append(build, part)
		}
	}

	return build
}

func cycleNumber(cycle string) int {
	num, _, _ := strings.Cut(cycle, ".")
	return atoi(num)
}

func atoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}

func titlecase(s string) string {
	words := strings.Fields(strings.ReplaceAll(s, "_", " "))
	for i, w := range words {
		words[i] = strings.ToUpper(w[:1]) + w[1:]
	}

	return strings.Join(words, " ")
}
