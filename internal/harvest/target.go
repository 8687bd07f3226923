package harvest

import (
	"context"
	"os"
	"path/filepath"

	"github.com/cxyfer/weiboloader/internal/cursor"
	"github.com/cxyfer/weiboloader/internal/model"
	"github.com/cxyfer/weiboloader/internal/naming"
	"github.com/cxyfer/weiboloader/internal/progress"
	"github.com/cxyfer/weiboloader/internal/weiboerr"
)

// resolveTarget pins a target down to its canonical, checkpoint-stable
// form (a nickname becomes a UID, a super-topic keyword becomes a
// containerid) and returns the naming.Vars a directory template may
// reference.
func (o *Orchestrator) resolveTarget(ctx context.Context, target model.TargetSpec) (model.TargetSpec, naming.Vars, error) {
	o.safeEmit(progress.Event{Kind: progress.EventStage, Message: "Resolving " + target.Key()})

	switch target.Kind {
	case model.TargetUser:
		uid := target.Identifier
		if !target.IsUID {
			resolvedUID, err := o.api.ResolveNicknameToIdentifier(ctx, target.Identifier)
			if err != nil {
				return model.TargetSpec{}, naming.Vars{}, err
			}
			uid = resolvedUID
		}
		nickname := uid
		if user, err := o.api.GetUserInfo(ctx, uid); err == nil && user.Nickname != "" {
			nickname = user.Nickname
		}
		return model.NewUserTarget(uid, true), naming.Vars{UID: uid, Nickname: nickname}, nil

	case model.TargetSuperTopic:
		cid := target.Identifier
		name := target.Identifier
		if !target.IsContainerID {
			topics, err := o.api.SearchSupertopic(ctx, target.Identifier)
			if err != nil {
				return model.TargetSpec{}, naming.Vars{}, err
			}
			if len(topics) == 0 {
				return model.TargetSpec{}, naming.Vars{}, weiboerr.New(weiboerr.KindTarget, "supertopic not found: "+target.Identifier)
			}
			cid, name = topics[0].ContainerID, topics[0].Name
		}
		return model.NewSuperTopicTarget(cid, true), naming.Vars{TopicName: name}, nil

	case model.TargetSearch:
		return target, naming.Vars{Keyword: target.Keyword}, nil

	case model.TargetMid:
		return target, naming.Vars{Mid: target.Mid}, nil

	default:
		return model.TargetSpec{}, naming.Vars{}, weiboerr.New(weiboerr.KindTarget, "unsupported target: "+string(target.Kind))
	}
}

// createIterator builds the lazy post stream for a resolved target,
// thawing a prior checkpoint when resume is enabled and one exists.
func (o *Orchestrator) createIterator(ctx context.Context, resolved model.TargetSpec, ckKey string) (*cursor.Iterator, error) {
	var state cursor.State
	if !o.opts.NoResume {
		if cs := o.ckpt.Load(ckKey); cs != nil {
			state = cursor.State{Page: cs.Page, Cursor: cs.Cursor, SeenMids: cs.SeenMids}
		}
	}

	switch resolved.Kind {
	case model.TargetUser:
		uid := resolved.Identifier
		return cursor.New(func(ctx context.Context, page int, _ *string) ([]cursor.Post, *string, error) {
			posts, next, err := o.api.GetUserPosts(ctx, uid, page)
			return toCursorPosts(posts), next, err
		}, state), nil

	case model.TargetSuperTopic:
		cid := resolved.Identifier
		return cursor.New(func(ctx context.Context, page int, _ *string) ([]cursor.Post, *string, error) {
			posts, next, err := o.api.GetSupertopicPosts(ctx, cid, page)
			return toCursorPosts(posts), next, err
		}, state), nil

	case model.TargetSearch:
		keyword := resolved.Keyword
		return cursor.New(func(ctx context.Context, page int, _ *string) ([]cursor.Post, *string, error) {
			posts, next, err := o.api.SearchPosts(ctx, keyword, page)
			return toCursorPosts(posts), next, err
		}, state), nil

	case model.TargetMid:
		post, err := o.api.GetPostByMid(ctx, resolved.Mid)
		if err != nil {
			return nil, err
		}
		return cursor.NewSingle(cursor.Post{Mid: post.Mid, CreatedAt: post.CreatedAt.Unix(), Payload: post}), nil

	default:
		return nil, weiboerr.New(weiboerr.KindTarget, "unsupported target: "+string(resolved.Kind))
	}
}

func toCursorPosts(posts []*model.Post) []cursor.Post {
	out := make([]cursor.Post, len(posts))
	for i, p := range posts {
		out[i] = cursor.Post{Mid: p.Mid, CreatedAt: p.CreatedAt.Unix(), Payload: p}
	}
	return out
}

// buildDir renders and creates the target's output directory.
func (o *Orchestrator) buildDir(resolved model.TargetSpec, vars naming.Vars) (string, error) {
	rel := naming.BuildDirectory(resolved, o.opts.DirnamePattern, vars)
	dir := filepath.Join(o.opts.OutputDir, rel)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", weiboerr.Wrap(weiboerr.KindTarget, err, "create target dir")
	}
	return dir, nil
}
