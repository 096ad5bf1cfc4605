// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package probe

import "github.com/tmc/langchaingo/llms"

// countTokens estimates the token count of generated text when the backend
// omits eval_count from its final chunk. The BPE estimate is close enough
// for a throughput ranking; exact counts are not required.
func countTokens(text string) int {
	if text == "" {
		return 0
	}
	return llms.CountTokens("gpt-3.5-turbo", text)
}
