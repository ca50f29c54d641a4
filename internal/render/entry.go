package render

import (
	"fmt"

	"tsxstudio/internal/models"
)

// CompositionID is the id the entry module registers the user component under.
const CompositionID = "UserComposition"

const entryTemplate = `import React from 'react';
import { registerRoot, Composition } from 'remotion';
import './styles.css';
import UserComp from './UserComposition';

export const RemotionRoot: React.FC = () => {
    return (
        <Composition
            id="%s"
            component={UserComp}
            durationInFrames={%d}
            fps={%d}
            width={%d}
            height={%d}
        />
    );
};
registerRoot(RemotionRoot);
`

// EntryModule returns index.tsx for cfg; zero fields take the defaults.
func EntryModule(cfg models.RenderConfig) string {
	c := cfg.WithDefaults()
	return fmt.Sprintf(entryTemplate, CompositionID, c.DurationInFrames, c.FPS, c.Width, c.Height)
}
