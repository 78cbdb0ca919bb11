package session

// TextDiff is the single splice that turns one text into another: delete
// Remove runes at Index, then insert the Insert string there.
type TextDiff struct {
	Index  int
	Remove int
	Insert string
}

// IsZero reports whether the two texts were already equal.
func (d TextDiff) IsZero() bool {
	return d.Remove == 0 && d.Insert == ""
}

// DiffTexts reduces a whole-text replacement to one splice by trimming the
// common rune prefix and suffix. Editors that report only full snapshots
// feed their text through this before it reaches the replica.
func DiffTexts(oldText, newText string) TextDiff {
	if oldText == newText {
		return TextDiff{}
	}
	oldRunes := []rune(oldText)
	newRunes := []rune(newText)

	prefix := 0
	for prefix < len(oldRunes) && prefix < len(newRunes) && oldRunes[prefix] == newRunes[prefix] {
		prefix++
	}
	suffix := 0
	for suffix < len(oldRunes)-prefix && suffix < len(newRunes)-prefix &&
		oldRunes[len(oldRunes)-1-suffix] == newRunes[len(newRunes)-1-suffix] {
		suffix++
	}

	return TextDiff{
		Index:  prefix,
		Remove: len(oldRunes) - prefix - suffix,
		Insert: string(newRunes[prefix : len(newRunes)-suffix]),
	}
}
