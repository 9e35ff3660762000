// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package completion

import (
	"context"
	"strings"

	"github.com/spf13/cobra"

	"github.com/tombee/smcp/internal/backend/file"
)

// CompleteContextNames completes security context names from the files at
// contexts.path in the configuration.
func CompleteContextNames(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
	return SafeCompletionWrapper(func() ([]string, cobra.ShellCompDirective) {
		cfg, err := LoadConfigForCompletion()
		if err != nil || cfg == nil || cfg.Contexts.Path == "" {
			return nil, cobra.ShellCompDirectiveNoFileComp
		}
		store, err := file.Open(cfg.Contexts.Path)
		if err != nil {
			return nil, cobra.ShellCompDirectiveNoFileComp
		}
		contexts, err := store.ListContexts(context.Background())
		if err != nil {
			return nil, cobra.ShellCompDirectiveNoFileComp
		}

		var names []string
		for _, sc := range contexts {
			if !strings.HasPrefix(sc.Name, toComplete) {
				continue
			}
			if sc.Description != "" {
				names = append(names, sc.Name+"\t"+sc.Description)
			} else {
				names = append(names, sc.Name)
			}
		}
		return names, cobra.ShellCompDirectiveNoFileComp
	})
}
