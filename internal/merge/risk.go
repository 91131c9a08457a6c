package merge

import (
	"sort"
	"sync"

	"github.com/kagan-sh/kagan-sub002/internal/workspace"
)

// Risk is the heuristic computed once per merge attempt. It never blocks a
// merge on its own; it only decides whether to rebase pre-emptively and how
// loudly to warn on failure.
type Risk struct {
	Score            int      `json:"score"`
	OverlapFiles     []string `json:"overlap_files,omitempty"`
	CommitCount      int      `json:"commit_count"`
	ChangedRepoCount int      `json:"changed_repo_count"`
	ChangedFileCount int      `json:"changed_file_count"`
}

// High reports whether the attempt should be treated as risky. A score of 1
// with no overlap is not high.
func (r Risk) High() bool {
	return r.Score >= 2 || len(r.OverlapFiles) > 0
}

// repoDiff is one changed repo's contribution to the merge attempt.
type repoDiff struct {
	repo    workspace.Repo
	base    string
	commits int
	changed []string
	overlap []string
}

// assessRisk scores the attempt: one point for touching more than one repo,
// one for a long commit run, one for a wide file footprint, and two whenever
// any file changed both on the task branch and on base since divergence.
func assessRisk(diffs []repoDiff) Risk {
	r := Risk{ChangedRepoCount: len(diffs)}
	overlap := make(map[string]struct{})
	for _, d := range diffs {
		r.CommitCount += d.commits
		r.ChangedFileCount += len(d.changed)
		for _, f := range d.overlap {
			overlap[f] = struct{}{}
		}
	}
	for f := range overlap {
		r.OverlapFiles = append(r.OverlapFiles, f)
	}
	sort.Strings(r.OverlapFiles)

	if r.ChangedRepoCount > 1 {
		r.Score++
	}
	if r.CommitCount >= 6 {
		r.Score++
	}
	if r.ChangedFileCount >= 12 {
		r.Score++
	}
	if len(r.OverlapFiles) > 0 {
		r.Score += 2
	}
	return r
}

func intersect(a, b []string) []string {
	set := make(map[string]struct{}, len(b))
	for _, f := range b {
		set[f] = struct{}{}
	}
	var out []string
	for _, f := range a {
		if _, ok := set[f]; ok {
			out = append(out, f)
		}
	}
	sort.Strings(out)
	return out
}

// RebaseHintState remembers, per base branch, that recent merges needed a
// rebase. A positive counter makes the next merge rebase pre-emptively; clean
// merges decay it back toward zero.
type RebaseHintState struct {
	mu     sync.Mutex
	counts map[string]int
}

const rebaseHintCap = 3

func NewRebaseHintState() *RebaseHintState {
	return &RebaseHintState{counts: make(map[string]int)}
}

func (s *RebaseHintState) Get(base string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counts[base]
}

// NoteRebased records that a merge against base needed a rebase.
func (s *RebaseHintState) NoteRebased(base string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.counts[base] < rebaseHintCap {
		s.counts[base]++
	}
}

// NoteClean records a merge that succeeded without rebasing.
func (s *RebaseHintState) NoteClean(base string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.counts[base] > 0 {
		s.counts[base]--
	}
	if s.counts[base] == 0 {
		delete(s.counts, base)
	}
}
