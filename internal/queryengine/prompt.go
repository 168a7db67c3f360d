package queryengine

import (
	"fmt"
	"sort"
	"strings"

	"github.com/ragline/ragline/internal/loader"
	"github.com/ragline/ragline/internal/vectorstore"
)

const defaultMaxContextTokens = 4000

const systemPrompt = `You are a documentation assistant. Answer the question using only the retrieved context below. ` +
	`Cite the source file for every claim. When several versions of the same document appear, state which version ` +
	`each piece of information comes from and prefer the newest one unless the question asks about a specific version. ` +
	`If the context does not contain the answer, say so plainly instead of guessing.`

// buildUserPrompt assembles the grounded prompt: retrieved chunks sorted by
// score, an overview of document families that exist in multiple versions,
// and the question itself. The token budget bounds injected context by
// dropping the lowest-scoring chunks first.
func buildUserPrompt(question string, chunks []vectorstore.ScoredRecord, versions []vectorstore.VersionInfo, maxContextTokens int) string {
	if maxContextTokens <= 0 {
		maxContextTokens = defaultMaxContextTokens
	}

	var sb strings.Builder

	versionSection := formatVersionOverview(versions)
	remaining := maxContextTokens - estimateTokens(versionSection)

	// Same ordering as the store: score descending, chunk id ascending on
	// ties, so equal-score chunks land in the prompt in a stable order.
	sorted := make([]vectorstore.ScoredRecord, len(chunks))
	copy(sorted, chunks)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Score != sorted[j].Score {
			return sorted[i].Score > sorted[j].Score
		}
		return sorted[i].ChunkID < sorted[j].ChunkID
	})

	var selected []string
	for _, ch := range sorted {
		entry := formatChunk(ch)
		tokens := estimateTokens(entry)
		if tokens > remaining {
			continue
		}
		selected = append(selected, entry)
		remaining -= tokens
	}

	if len(selected) > 0 {
		sb.WriteString("[Retrieved Context]\n")
		for _, entry := range selected {
			sb.WriteString(entry)
		}
	}

	if versionSection != "" {
		sb.WriteString(versionSection)
	}

	sb.WriteString("[Question]\n")
	sb.WriteString(question)
	return sb.String()
}

func formatChunk(ch vectorstore.ScoredRecord) string {
	version := ch.Version
	if version == "" {
		version = "unversioned"
	}
	return fmt.Sprintf("(Score: %.2f, Source: %s, Version: %s)\n%s\n\n", ch.Score, ch.SourcePath, version, ch.Text)
}

// formatVersionOverview lists document families present in more than one
// version, oldest first, so the model can reason about which is current.
func formatVersionOverview(versions []vectorstore.VersionInfo) string {
	byFamily := map[string][]string{}
	for _, v := range versions {
		if v.Version == "" {
			continue
		}
		byFamily[v.Family] = append(byFamily[v.Family], v.Version)
	}

	families := make([]string, 0, len(byFamily))
	for f, vs := range byFamily {
		if len(vs) >= 2 {
			families = append(families, f)
		}
	}
	if len(families) == 0 {
		return ""
	}
	sort.Strings(families)

	var sb strings.Builder
	sb.WriteString("[Document Versions]\n")
	for _, f := range families {
		vs := byFamily[f]
		loader.SortVersions(vs)
		sb.WriteString(fmt.Sprintf("%s: %s\n", f, strings.Join(vs, ", ")))
	}
	sb.WriteString("\n")
	return sb.String()
}

// estimateTokens provides a rough token count using 4 chars per token heuristic.
func estimateTokens(text string) int {
	return (len(text) + 3) / 4
}
